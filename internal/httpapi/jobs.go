package httpapi

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/packetserver-io/packetserver/internal/bbs"
	"github.com/packetserver-io/packetserver/internal/repositories"
)

// ListJobs returns the caller's jobs newest-first; ?id_only reduces the
// payload to a bare id list.
func (h *handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	id := IdentityFromCtx(r.Context())
	result, err := h.svc.ListJobs(r.Context(), id.Username, queryInt(r, "limit", 0), queryBool(r, "id_only"))
	if err != nil {
		domainError(w, h.logger, err)
		return
	}
	Ok(w, result)
}

// GetJob returns the full dict of one job, owner-only.
func (h *handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	jid, ok := pathInt(w, r, "id")
	if !ok {
		return
	}
	id := IdentityFromCtx(r.Context())
	view, err := h.svc.GetJob(r.Context(), id.Username, jid)
	if err != nil {
		domainError(w, h.logger, err)
		return
	}
	Ok(w, view)
}

// SubmitJob queues a job for the caller. cmd is a shell string or an
// argv list; file contents travel base64.
func (h *handlers) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Cmd   any               `json:"cmd"`
		Env   map[string]string `json:"env"`
		Files map[string]string `json:"files"`
		DB    bool              `json:"db"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}

	spec := bbs.JobSpec{Cmd: body.Cmd, Env: body.Env, IncludeDB: body.DB}
	for name, encoded := range body.Files {
		data, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			ErrBadRequest(w, "file contents must be base64")
			return
		}
		spec.Files = append(spec.Files, bbs.JobFileInput{Name: name, Data: data})
	}

	id := IdentityFromCtx(r.Context())
	jid, err := h.svc.SubmitJob(r.Context(), id.Username, spec)
	if err != nil {
		domainError(w, h.logger, err)
		return
	}
	Created(w, map[string]any{"job_id": jid})
}

// DownloadArtifact streams a finished job's artifact tarball,
// owner-only. 404 when the job kept no artifact.
func (h *handlers) DownloadArtifact(w http.ResponseWriter, r *http.Request) {
	jid, ok := pathInt(w, r, "id")
	if !ok {
		return
	}
	id := IdentityFromCtx(r.Context())

	var artifact []byte
	err := h.svc.Store().Transaction(r.Context(), func(tx *gorm.DB) error {
		job, err := repositories.NewJobRepository(tx).GetByID(r.Context(), jid)
		if errors.Is(err, repositories.ErrNotFound) {
			return bbs.ErrNotFound
		}
		if err != nil {
			return err
		}
		if job.Owner != id.Username {
			return bbs.ErrForbidden
		}
		artifact = job.Artifact
		return nil
	})
	if err != nil {
		domainError(w, h.logger, err)
		return
	}
	if len(artifact) == 0 {
		ErrNotFound(w)
		return
	}

	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%d.tar.gz"`, jid))
	if _, err := w.Write(artifact); err != nil {
		h.logger.Debug("artifact write failed", zap.Error(err))
	}
}
