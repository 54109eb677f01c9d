package bbs

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/klauspost/compress/gzip"
	"gorm.io/gorm"

	"github.com/packetserver-io/packetserver/internal/db"
	"github.com/packetserver-io/packetserver/internal/repositories"
)

// UserDBFileName is the input file a job receives when the submitter asks
// for a snapshot of their slice of the store.
const UserDBFileName = "user-db.json.gz"

// EncodeCommand normalises the submitted command — a bare string runs
// through a shell, a sequence of strings execs as argv — into the JSON
// form stored on the job.
func EncodeCommand(raw any) (string, error) {
	switch v := raw.(type) {
	case string:
		if v == "" {
			return "", invalid("job cmd is required")
		}
		b, _ := json.Marshal(v)
		return string(b), nil
	case []string:
		if len(v) == 0 {
			return "", invalid("job cmd is required")
		}
		b, _ := json.Marshal(v)
		return string(b), nil
	case []any:
		argv := make([]string, 0, len(v))
		for _, e := range v {
			s, ok := e.(string)
			if !ok {
				if bs, isBytes := e.([]byte); isBytes {
					s = string(bs)
				} else {
					return "", invalid("job cmd must be a string or a list of strings")
				}
			}
			argv = append(argv, s)
		}
		return EncodeCommand(argv)
	case []byte:
		return EncodeCommand(string(v))
	default:
		return "", invalid("job cmd must be a string or a list of strings")
	}
}

// DecodeCommand reverses EncodeCommand. shell reports the bare-string
// form.
func DecodeCommand(cmdJSON string) (argv []string, shell bool, err error) {
	var s string
	if json.Unmarshal([]byte(cmdJSON), &s) == nil {
		return []string{s}, true, nil
	}
	if err := json.Unmarshal([]byte(cmdJSON), &argv); err != nil {
		return nil, false, fmt.Errorf("bbs: decode job cmd: %w", err)
	}
	return argv, false, nil
}

// decodedCommand returns the payload-facing form of the stored command.
func decodedCommand(cmdJSON string) any {
	argv, shell, err := DecodeCommand(cmdJSON)
	if err != nil {
		return cmdJSON
	}
	if shell {
		return argv[0]
	}
	return argv
}

// JobFileInput is one input file of a job submission.
type JobFileInput struct {
	Name      string
	Data      []byte
	RootOwned bool
}

// JobSpec is a job submission.
type JobSpec struct {
	Cmd   any // string or list of strings
	Env   map[string]string
	Files []JobFileInput

	// IncludeDB injects the caller's store slice as user-db.json.gz.
	IncludeDB bool
}

// JobView renders the full job dict. Binary fields travel base64-encoded
// so the dict survives JSON as well as msgpack.
func JobView(j *db.Job) map[string]any {
	view := map[string]any{
		"job_id":     j.ID,
		"owner":      j.Owner,
		"cmd":        decodedCommand(j.CmdJSON),
		"env":        map[string]string(j.Env),
		"status":     j.Status,
		"created_at": formatTime(j.CreatedAt),
		"started_at": formatTimePtr(j.StartedAt),
		"finished_at": formatTimePtr(j.FinishedAt),
		"output":   base64.StdEncoding.EncodeToString(j.Stdout),
		"errors":   base64.StdEncoding.EncodeToString(j.Stderr),
		"artifact": base64.StdEncoding.EncodeToString(j.Artifact),
	}
	if j.ReturnCode != nil {
		view["return_code"] = *j.ReturnCode
	} else {
		view["return_code"] = nil
	}
	return view
}

// SubmitJob validates and persists a job, enqueueing it for the worker.
// The dense id comes from the job counter inside the same transaction.
func (s *Service) SubmitJob(ctx context.Context, caller string, spec JobSpec) (int64, error) {
	cmdJSON, err := EncodeCommand(spec.Cmd)
	if err != nil {
		return 0, err
	}
	for _, f := range spec.Files {
		if f.Name == "" {
			return 0, invalid("job file name is required")
		}
		if len(f.Name) > maxNameLen {
			return 0, invalid("job file name exceeds %d characters", maxNameLen)
		}
	}

	var id int64
	err = s.store.Transaction(ctx, func(tx *gorm.DB) error {
		cfg, err := repositories.NewConfigRepository(tx).Load(ctx)
		if err != nil {
			return err
		}
		if !cfg.JobsEnabled {
			return ErrJobsDisabled
		}

		user, err := requireEnabledUser(ctx, tx, caller)
		if err != nil {
			return err
		}

		files := make([]db.JobFile, 0, len(spec.Files)+1)
		for _, f := range spec.Files {
			files = append(files, db.JobFile{Name: f.Name, Data: f.Data, RootOwned: f.RootOwned})
		}
		if spec.IncludeDB {
			snapshot, err := s.userDBSnapshot(ctx, tx, user)
			if err != nil {
				return err
			}
			files = append(files, db.JobFile{Name: UserDBFileName, Data: snapshot})
		}

		id, err = repositories.NewCounterRepository(tx).Next(ctx, db.CounterJobs)
		if err != nil {
			return err
		}

		jobs := repositories.NewJobRepository(tx)
		job := &db.Job{
			ID:        id,
			Owner:     user.Callsign,
			CmdJSON:   cmdJSON,
			Env:       db.StringMap(spec.Env),
			Status:    db.JobStatusQueued,
			CreatedAt: time.Now().UTC(),
		}
		if err := jobs.Create(ctx, job, files); err != nil {
			return err
		}
		return jobs.Enqueue(ctx, id)
	})
	return id, err
}

// GetJob returns the full dict of one job, owner-only.
func (s *Service) GetJob(ctx context.Context, caller string, id int64) (map[string]any, error) {
	var view map[string]any
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		user, err := requireEnabledUser(ctx, tx, caller)
		if err != nil {
			return err
		}
		job, err := repositories.NewJobRepository(tx).GetByID(ctx, id)
		if errors.Is(err, repositories.ErrNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if job.Owner != user.Callsign {
			return ErrForbidden
		}
		view = JobView(job)
		return nil
	})
	return view, err
}

// ListJobs returns the caller's jobs newest-first; idOnly reduces the
// payload to a bare id list for narrow links.
func (s *Service) ListJobs(ctx context.Context, caller string, limit int, idOnly bool) (any, error) {
	var result any
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		user, err := requireEnabledUser(ctx, tx, caller)
		if err != nil {
			return err
		}
		jobs, err := repositories.NewJobRepository(tx).ListByOwner(ctx, user.Callsign, repositories.ListOptions{Limit: limit})
		if err != nil {
			return err
		}
		if idOnly {
			ids := make([]int64, 0, len(jobs))
			for i := range jobs {
				ids = append(ids, jobs[i].ID)
			}
			result = ids
			return nil
		}
		views := make([]map[string]any, 0, len(jobs))
		for i := range jobs {
			views = append(views, JobView(&jobs[i]))
		}
		result = views
		return nil
	})
	return result, err
}

// WaitForTerminal polls the job once a second until it reaches a terminal
// status or the timeout elapses. It returns the final dict and whether the
// job finished in time. The poll is a read loop over the store because the
// job completes in the worker, which also commits there.
func (s *Service) WaitForTerminal(ctx context.Context, caller string, id int64, timeout time.Duration) (map[string]any, bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		view, err := s.GetJob(ctx, caller, id)
		if err != nil {
			return nil, false, err
		}
		if status, _ := view["status"].(string); db.JobStatusTerminal(status) {
			return view, true, nil
		}
		if time.Now().After(deadline) {
			return view, false, nil
		}
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

// NotifyJobFinished publishes the terminal transition of a job to event
// subscribers. Called by the job worker after its commit.
func (s *Service) NotifyJobFinished(id int64, owner, status string) {
	s.events.JobFinished(id, owner, status)
}

// userDBSnapshot serialises the caller's slice of the store — objects,
// mailbox, bulletins and jobs, binary payloads base64 — to gzipped JSON.
func (s *Service) userDBSnapshot(ctx context.Context, tx *gorm.DB, user *db.User) ([]byte, error) {
	type snapshotAttachment struct {
		Name   string `json:"name"`
		Binary bool   `json:"binary"`
		Data   string `json:"data"`
		Size   int64  `json:"size"`
	}
	type snapshotMessage struct {
		ID          string               `json:"id"`
		From        string               `json:"from"`
		To          []string             `json:"to"`
		SentAt      string               `json:"sent_at"`
		Text        string               `json:"text"`
		Retrieved   bool                 `json:"retrieved"`
		Delivered   bool                 `json:"delivered"`
		Source      string               `json:"source"`
		Attachments []snapshotAttachment `json:"attachments"`
	}

	msgs := repositories.NewMessageRepository(tx)
	mailbox, err := msgs.ListMailbox(ctx, user.Callsign)
	if err != nil {
		return nil, err
	}
	messages := make([]snapshotMessage, 0, len(mailbox))
	for i := range mailbox {
		m := &mailbox[i]
		atts, err := msgs.Attachments(ctx, m.CopyID)
		if err != nil {
			return nil, err
		}
		sm := snapshotMessage{
			ID:          m.MsgUUID.String(),
			From:        m.Sender,
			To:          []string(m.Recipients),
			SentAt:      formatTime(m.SentAt),
			Text:        m.Text,
			Retrieved:   m.Retrieved,
			Delivered:   m.Delivered,
			Source:      SourceReceived,
			Attachments: make([]snapshotAttachment, 0, len(atts)),
		}
		if m.SentCopy {
			sm.Source = SourceSent
		}
		for _, a := range atts {
			sm.Attachments = append(sm.Attachments, snapshotAttachment{
				Name:   a.Name,
				Binary: a.Binary,
				Data:   base64.StdEncoding.EncodeToString(a.Data),
				Size:   a.Size,
			})
		}
		messages = append(messages, sm)
	}

	objs, err := repositories.NewObjectRepository(tx).ListByOwner(ctx, user.UUID)
	if err != nil {
		return nil, err
	}
	objects := make([]map[string]any, 0, len(objs))
	for i := range objs {
		view := ObjectView(&objs[i], false)
		view["data"] = base64.StdEncoding.EncodeToString(objs[i].Data)
		objects = append(objects, view)
	}

	bulls, err := repositories.NewBulletinRepository(tx).ListRecent(ctx, 0)
	if err != nil {
		return nil, err
	}
	bulletins := make([]map[string]any, 0, len(bulls))
	for i := range bulls {
		bulletins = append(bulletins, BulletinView(&bulls[i]))
	}

	ownJobs, err := repositories.NewJobRepository(tx).ListByOwner(ctx, user.Callsign, repositories.ListOptions{})
	if err != nil {
		return nil, err
	}
	jobViews := make([]map[string]any, 0, len(ownJobs))
	for i := range ownJobs {
		jobViews = append(jobViews, JobView(&ownJobs[i]))
	}

	doc := map[string]any{
		"username":  user.Callsign,
		"objects":   objects,
		"messages":  messages,
		"bulletins": bulletins,
		"jobs":      jobViews,
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if err := json.NewEncoder(gz).Encode(doc); err != nil {
		return nil, fmt.Errorf("bbs: encode user db snapshot: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("bbs: compress user db snapshot: %w", err)
	}
	return buf.Bytes(), nil
}
