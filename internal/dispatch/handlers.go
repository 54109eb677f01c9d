package dispatch

import (
	"context"
	"errors"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/packetserver-io/packetserver/internal/bbs"
	"github.com/packetserver-io/packetserver/wire"
)

// route resolves the request's root segment to a handler and converts
// every error into a wire status. Unexpected errors become a blank 500
// and never cross the connection boundary.
func (s *Server) route(ctx context.Context, caller string, req *wire.Request) *wire.Response {
	var (
		resp *wire.Response
		err  error
	)
	switch req.Root() {
	case "":
		resp, err = s.handleRoot(ctx, caller, req)
	case "user":
		resp, err = s.handleUser(ctx, caller, req)
	case "bulletin":
		resp, err = s.handleBulletin(ctx, caller, req)
	case "message":
		resp, err = s.handleMessage(ctx, caller, req)
	case "object":
		resp, err = s.handleObject(ctx, caller, req)
	case "job":
		resp, err = s.handleJob(ctx, caller, req)
	default:
		return blank(404)
	}
	if err != nil {
		return s.errorResponse(caller, req, err)
	}
	return resp
}

// errorResponse maps domain errors onto wire statuses.
func (s *Server) errorResponse(caller string, req *wire.Request, err error) *wire.Response {
	var verr *bbs.ValidationError
	switch {
	case errors.As(err, &verr):
		return respond(400, verr.Msg)
	case errors.Is(err, bbs.ErrUnauthorized):
		return blank(401)
	case errors.Is(err, bbs.ErrForbidden):
		return blank(403)
	case errors.Is(err, bbs.ErrNotFound):
		return blank(404)
	case errors.Is(err, bbs.ErrJobsDisabled):
		return respond(400, "jobs are disabled")
	default:
		s.logger.Error("handler failed",
			zap.String("remote", caller),
			zap.String("method", req.Method.String()),
			zap.String("path", req.Path),
			zap.Error(err))
		return blank(500)
	}
}

func (s *Server) handleRoot(ctx context.Context, caller string, req *wire.Request) (*wire.Response, error) {
	if req.Method != wire.MethodGet {
		return blank(404), nil
	}
	up := false
	if s.pool != nil {
		up = s.pool.Up(ctx)
	}
	info, err := s.svc.RootInfo(ctx, caller, up)
	if err != nil {
		return nil, err
	}
	return respond(200, info), nil
}

func (s *Server) handleUser(ctx context.Context, caller string, req *wire.Request) (*wire.Response, error) {
	switch req.Method {
	case wire.MethodGet:
		target := req.StringVar("username")
		if segs := req.Segments(); len(segs) >= 2 {
			target = segs[1]
		}
		if target != "" {
			view, err := s.svc.GetUser(ctx, caller, target)
			if err != nil {
				return nil, err
			}
			return respond(200, view), nil
		}
		views, err := s.svc.ListUsers(ctx, caller, req.IntVar("limit", 0))
		if err != nil {
			return nil, err
		}
		return respond(200, views), nil

	case wire.MethodUpdate:
		m := wire.AsMap(req.Payload)
		patch := bbs.UserPatch{}
		if v, ok := m["email"]; ok {
			str := wire.AsString(v)
			patch.Email = &str
		}
		if v, ok := m["bio"]; ok {
			str := wire.AsString(v)
			patch.Bio = &str
		}
		if v, ok := m["status"]; ok {
			str := wire.AsString(v)
			patch.Status = &str
		}
		if v, ok := m["location"]; ok {
			str := wire.AsString(v)
			patch.Location = &str
		}
		if v, ok := m["socials"]; ok {
			patch.Socials = wire.AsStringSlice(v)
		}
		view, err := s.svc.UpdateUser(ctx, caller, patch)
		if err != nil {
			return nil, err
		}
		return respond(200, view), nil

	default:
		return blank(404), nil
	}
}

func (s *Server) handleBulletin(ctx context.Context, caller string, req *wire.Request) (*wire.Response, error) {
	id, haveID, err := intArg(req, "id", "bulletin id must be an integer")
	if err != nil {
		return nil, err
	}

	switch req.Method {
	case wire.MethodGet:
		if haveID {
			view, err := s.svc.GetBulletin(ctx, caller, id)
			if err != nil {
				return nil, err
			}
			return respond(200, view), nil
		}
		views, err := s.svc.ListBulletins(ctx, caller, req.IntVar("limit", 0))
		if err != nil {
			return nil, err
		}
		return respond(200, views), nil

	case wire.MethodPost:
		m := wire.AsMap(req.Payload)
		newID, err := s.svc.PostBulletin(ctx, caller, wire.AsString(m["subject"]), wire.AsString(m["body"]))
		if err != nil {
			return nil, err
		}
		return respond(201, map[string]any{"bulletin_id": newID}), nil

	case wire.MethodDelete:
		if !haveID {
			return nil, &bbs.ValidationError{Msg: "bulletin id is required"}
		}
		if err := s.svc.DeleteBulletin(ctx, caller, id); err != nil {
			return nil, err
		}
		return blank(204), nil

	default:
		return blank(404), nil
	}
}

func (s *Server) handleMessage(ctx context.Context, caller string, req *wire.Request) (*wire.Response, error) {
	switch req.Method {
	case wire.MethodPost:
		m := wire.AsMap(req.Payload)
		var atts []bbs.AttachmentInput
		for _, raw := range wire.AsSlice(m["attachments"]) {
			am := wire.AsMap(raw)
			in := bbs.AttachmentInput{
				Name:   wire.AsString(am["name"]),
				Data:   wire.AsBytes(am["data"]),
				Binary: wire.AsBool(am["binary"]),
			}
			if v, ok := am["object_uuid"]; ok {
				objID, err := parseUUIDValue(v)
				if err != nil {
					return nil, &bbs.ValidationError{Msg: "attachment object_uuid must be a uuid"}
				}
				in.ObjectUUID = &objID
			}
			atts = append(atts, in)
		}
		result, err := s.svc.SendMessage(ctx, caller, wire.AsString(m["text"]), wire.AsStringSlice(m["to"]), atts)
		if err != nil {
			return nil, err
		}
		return respond(201, map[string]any{
			"successes": result.Successes,
			"failed":    result.Failed,
			"msg_id":    result.MsgID.String(),
		}), nil

	case wire.MethodGet:
		q := bbs.MessageQuery{
			Source:  req.StringVar("source"),
			Limit:   req.IntVar("limit", 0),
			Sort:    req.StringVar("sort"),
			Reverse: req.BoolVar("reverse"),
			Search:  req.StringVar("search"),

			FetchText:        true,
			FetchAttachments: req.BoolVar("fetch_attachments"),
		}
		if v, ok := req.Var("fetch_text"); ok {
			q.FetchText = wire.AsBool(v)
		}
		if v, ok := req.Var("id"); ok {
			msgID, err := parseUUIDValue(v)
			if err != nil {
				return nil, &bbs.ValidationError{Msg: "message id must be a uuid"}
			}
			q.ID = &msgID
		}
		if since := req.StringVar("since"); since != "" {
			t, err := bbs.ParseDateDigits(since)
			if err != nil {
				return nil, &bbs.ValidationError{Msg: "since must be digits in yyyymmddHHMMSS form"}
			}
			q.Since = &t
		}

		views, err := s.svc.GetMessages(ctx, caller, q)
		if err != nil {
			return nil, err
		}
		if q.ID != nil && len(views) == 1 {
			return respond(200, views[0]), nil
		}
		return respond(200, views), nil

	default:
		return blank(404), nil
	}
}

func (s *Server) handleObject(ctx context.Context, caller string, req *wire.Request) (*wire.Response, error) {
	var (
		objID  uuid.UUID
		haveID bool
	)
	if v, ok := req.Var("uuid"); ok {
		id, err := parseUUIDValue(v)
		if err != nil {
			return nil, &bbs.ValidationError{Msg: "object uuid must be a uuid"}
		}
		objID, haveID = id, true
	}

	switch req.Method {
	case wire.MethodGet:
		if haveID {
			view, err := s.svc.GetObject(ctx, caller, objID, req.BoolVar("fetch"))
			if err != nil {
				return nil, err
			}
			return respond(200, view), nil
		}
		views, err := s.svc.ListObjects(ctx, caller, bbs.ObjectQuery{
			Sort:    req.StringVar("sort"),
			Reverse: req.BoolVar("reverse"),
			Limit:   req.IntVar("limit", 0),
			Search:  req.StringVar("search"),
			Fetch:   req.BoolVar("fetch"),
		})
		if err != nil {
			return nil, err
		}
		return respond(200, views), nil

	case wire.MethodPost:
		m := wire.AsMap(req.Payload)
		newID, err := s.svc.PostObject(ctx, caller,
			wire.AsString(m["name"]),
			wire.AsBytes(m["data"]),
			wire.AsBool(m["binary"]),
			wire.AsBool(m["private"]))
		if err != nil {
			return nil, err
		}
		return respond(201, newID.String()), nil

	case wire.MethodUpdate:
		if !haveID {
			return nil, &bbs.ValidationError{Msg: "object uuid is required"}
		}
		m := wire.AsMap(req.Payload)
		patch := bbs.ObjectPatch{}
		if v, ok := m["name"]; ok {
			str := wire.AsString(v)
			patch.Name = &str
		}
		if v, ok := m["data"]; ok {
			patch.Data = wire.AsBytes(v)
			if patch.Data == nil {
				patch.Data = []byte{}
			}
		}
		view, err := s.svc.UpdateObject(ctx, caller, objID, patch)
		if err != nil {
			return nil, err
		}
		return respond(200, view), nil

	case wire.MethodDelete:
		if !haveID {
			return nil, &bbs.ValidationError{Msg: "object uuid is required"}
		}
		if err := s.svc.DeleteObject(ctx, caller, objID); err != nil {
			return nil, err
		}
		return blank(200), nil

	default:
		return blank(404), nil
	}
}

func (s *Server) handleJob(ctx context.Context, caller string, req *wire.Request) (*wire.Response, error) {
	cfg, err := s.svc.Config(ctx)
	if err != nil {
		return nil, err
	}
	if !cfg.JobsEnabled {
		return nil, bbs.ErrJobsDisabled
	}

	switch req.Method {
	case wire.MethodGet:
		segs := req.Segments()
		if len(segs) >= 2 && segs[1] == "user" {
			list, err := s.svc.ListJobs(ctx, caller, req.IntVar("limit", 0), req.BoolVar("id_only"))
			if err != nil {
				return nil, err
			}
			return respond(200, list), nil
		}
		id, haveID, err := intArg(req, "id", "job id must be an integer")
		if err != nil {
			return nil, err
		}
		if !haveID {
			return blank(404), nil
		}
		view, err := s.svc.GetJob(ctx, caller, id)
		if err != nil {
			return nil, err
		}
		return respond(200, view), nil

	case wire.MethodPost:
		m := wire.AsMap(req.Payload)
		spec := bbs.JobSpec{Cmd: m["cmd"]}
		if env := wire.AsMap(m["env"]); env != nil {
			spec.Env = make(map[string]string, len(env))
			for k, v := range env {
				spec.Env[k] = wire.AsString(v)
			}
		}
		for name, v := range wire.AsMap(m["files"]) {
			spec.Files = append(spec.Files, bbs.JobFileInput{Name: name, Data: wire.AsBytes(v)})
		}
		_, spec.IncludeDB = m["db"]

		id, err := s.svc.SubmitJob(ctx, caller, spec)
		if err != nil {
			return nil, err
		}
		if !req.BoolVar("quick") {
			return respond(201, map[string]any{"job_id": id}), nil
		}

		view, done, err := s.svc.WaitForTerminal(ctx, caller, id, quickWait)
		if err != nil {
			return nil, err
		}
		if !done {
			return respond(202, map[string]any{"job_id": id}), nil
		}
		return respond(200, view), nil

	default:
		return blank(404), nil
	}
}

// blank builds a payload-less response.
func blank(status int) *wire.Response {
	return &wire.Response{Status: status}
}

// respond builds a response with a payload.
func respond(status int, payload any) *wire.Response {
	return &wire.Response{Status: status, Payload: payload}
}

// intArg reads an integer argument from the second path segment or the
// named var, in that order.
func intArg(req *wire.Request, varName, badMsg string) (int64, bool, error) {
	if segs := req.Segments(); len(segs) >= 2 {
		n, err := strconv.ParseInt(segs[1], 10, 64)
		if err != nil {
			return 0, false, &bbs.ValidationError{Msg: badMsg}
		}
		return n, true, nil
	}
	if v, ok := req.Var(varName); ok {
		n, ok := wire.AsInt(v)
		if !ok {
			return 0, false, &bbs.ValidationError{Msg: badMsg}
		}
		return int64(n), true, nil
	}
	return 0, false, nil
}

// parseUUIDValue accepts a uuid as 16 raw bytes or as its canonical
// string form.
func parseUUIDValue(v any) (uuid.UUID, error) {
	if b, ok := v.([]byte); ok && len(b) == 16 {
		return uuid.FromBytes(b)
	}
	return uuid.Parse(wire.AsString(v))
}
