package client

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/packetserver-io/packetserver/wire"
)

// RootInfo fetches the server's root dict: operator, motd, the caller's
// enablement line and whether jobs are accepted.
func (c *Client) RootInfo(ctx context.Context, dest string) (map[string]any, error) {
	resp, err := c.SendReceive(ctx, dest, wire.NewRequest(wire.MethodGet, ""))
	if err != nil {
		return nil, err
	}
	if err := expect(resp, 200); err != nil {
		return nil, err
	}
	return wire.AsMap(resp.Payload), nil
}

// GetUser fetches one user's public profile.
func (c *Client) GetUser(ctx context.Context, dest, username string) (map[string]any, error) {
	req := wire.NewRequest(wire.MethodGet, "user")
	req.SetVar("username", username)
	resp, err := c.SendReceive(ctx, dest, req)
	if err != nil {
		return nil, err
	}
	if err := expect(resp, 200); err != nil {
		return nil, err
	}
	return wire.AsMap(resp.Payload), nil
}

// ListUsers fetches the server's user list, optionally limited.
func (c *Client) ListUsers(ctx context.Context, dest string, limit int) ([]map[string]any, error) {
	req := wire.NewRequest(wire.MethodGet, "user")
	if limit > 0 {
		req.SetVar("limit", limit)
	}
	resp, err := c.SendReceive(ctx, dest, req)
	if err != nil {
		return nil, err
	}
	if err := expect(resp, 200); err != nil {
		return nil, err
	}
	return asMapSlice(resp.Payload), nil
}

// ProfilePatch is a partial profile update; nil fields are untouched.
type ProfilePatch struct {
	Email    *string
	Bio      *string
	Status   *string
	Location *string
	Socials  []string
}

// UpdateProfile patches the caller's own profile and returns the
// refreshed dict.
func (c *Client) UpdateProfile(ctx context.Context, dest string, patch ProfilePatch) (map[string]any, error) {
	payload := map[string]any{}
	if patch.Email != nil {
		payload["email"] = *patch.Email
	}
	if patch.Bio != nil {
		payload["bio"] = *patch.Bio
	}
	if patch.Status != nil {
		payload["status"] = *patch.Status
	}
	if patch.Location != nil {
		payload["location"] = *patch.Location
	}
	if patch.Socials != nil {
		payload["socials"] = patch.Socials
	}
	req := wire.NewRequest(wire.MethodUpdate, "user")
	req.Payload = payload
	resp, err := c.SendReceive(ctx, dest, req)
	if err != nil {
		return nil, err
	}
	if err := expect(resp, 200); err != nil {
		return nil, err
	}
	return wire.AsMap(resp.Payload), nil
}

// PostBulletin publishes a bulletin and returns its dense id.
func (c *Client) PostBulletin(ctx context.Context, dest, subject, body string) (int64, error) {
	req := wire.NewRequest(wire.MethodPost, "bulletin")
	req.Payload = map[string]any{"subject": subject, "body": body}
	resp, err := c.SendReceive(ctx, dest, req)
	if err != nil {
		return 0, err
	}
	if err := expect(resp, 201); err != nil {
		return 0, err
	}
	id, _ := wire.AsInt(wire.AsMap(resp.Payload)["bulletin_id"])
	return int64(id), nil
}

// ListBulletins fetches the board, optionally limited to the newest N.
func (c *Client) ListBulletins(ctx context.Context, dest string, limit int) ([]map[string]any, error) {
	req := wire.NewRequest(wire.MethodGet, "bulletin")
	if limit > 0 {
		req.SetVar("limit", limit)
	}
	resp, err := c.SendReceive(ctx, dest, req)
	if err != nil {
		return nil, err
	}
	if err := expect(resp, 200); err != nil {
		return nil, err
	}
	return asMapSlice(resp.Payload), nil
}

// GetBulletin fetches one bulletin by id.
func (c *Client) GetBulletin(ctx context.Context, dest string, id int64) (map[string]any, error) {
	resp, err := c.SendReceive(ctx, dest, wire.NewRequest(wire.MethodGet, fmt.Sprintf("bulletin/%d", id)))
	if err != nil {
		return nil, err
	}
	if err := expect(resp, 200); err != nil {
		return nil, err
	}
	return wire.AsMap(resp.Payload), nil
}

// DeleteBulletin removes an own bulletin.
func (c *Client) DeleteBulletin(ctx context.Context, dest string, id int64) error {
	resp, err := c.SendReceive(ctx, dest, wire.NewRequest(wire.MethodDelete, fmt.Sprintf("bulletin/%d", id)))
	if err != nil {
		return err
	}
	return expect(resp, 204)
}

// Attachment is one message attachment. Either Data is carried inline
// or ObjectUUID names a stored object to snapshot.
type Attachment struct {
	Name       string
	Data       []byte
	Binary     bool
	ObjectUUID string
}

// SendResult reports the fan-out of one send.
type SendResult struct {
	Successes int
	Failed    []string
	MsgID     string
}

// SendMessage delivers text and attachments to the named callsigns.
func (c *Client) SendMessage(ctx context.Context, dest, text string, to []string, attachments []Attachment) (*SendResult, error) {
	atts := make([]map[string]any, 0, len(attachments))
	for _, a := range attachments {
		att := map[string]any{"name": a.Name, "binary": a.Binary}
		if a.ObjectUUID != "" {
			att["object_uuid"] = a.ObjectUUID
		} else {
			att["data"] = a.Data
		}
		atts = append(atts, att)
	}
	req := wire.NewRequest(wire.MethodPost, "message")
	req.Payload = map[string]any{"text": text, "to": to, "attachments": atts}
	resp, err := c.SendReceive(ctx, dest, req)
	if err != nil {
		return nil, err
	}
	if err := expect(resp, 201); err != nil {
		return nil, err
	}
	m := wire.AsMap(resp.Payload)
	successes, _ := wire.AsInt(m["successes"])
	return &SendResult{
		Successes: successes,
		Failed:    wire.AsStringSlice(m["failed"]),
		MsgID:     wire.AsString(m["msg_id"]),
	}, nil
}

// MessageOptions filter a mailbox fetch.
type MessageOptions struct {
	Source           string // received | sent | all
	Since            *time.Time
	Sort             string
	Reverse          bool
	Search           string
	Limit            int
	FetchText        bool
	FetchAttachments bool
}

// ListMessages fetches the caller's mailbox.
func (c *Client) ListMessages(ctx context.Context, dest string, opts MessageOptions) ([]map[string]any, error) {
	req := wire.NewRequest(wire.MethodGet, "message")
	if opts.Source != "" {
		req.SetVar("source", opts.Source)
	}
	if opts.Since != nil {
		req.SetVar("since", opts.Since.UTC().Format("20060102150405"))
	}
	if opts.Sort != "" {
		req.SetVar("sort", opts.Sort)
	}
	if opts.Reverse {
		req.SetVar("reverse", true)
	}
	if opts.Search != "" {
		req.SetVar("search", opts.Search)
	}
	if opts.Limit > 0 {
		req.SetVar("limit", opts.Limit)
	}
	req.SetVar("fetch_text", opts.FetchText)
	if opts.FetchAttachments {
		req.SetVar("fetch_attachments", true)
	}
	resp, err := c.SendReceive(ctx, dest, req)
	if err != nil {
		return nil, err
	}
	if err := expect(resp, 200); err != nil {
		return nil, err
	}
	return asMapSlice(resp.Payload), nil
}

// PutObject stores an object and returns its uuid.
func (c *Client) PutObject(ctx context.Context, dest, name string, data []byte, binary, private bool) (string, error) {
	req := wire.NewRequest(wire.MethodPost, "object")
	req.Payload = map[string]any{"name": name, "data": data, "binary": binary, "private": private}
	resp, err := c.SendReceive(ctx, dest, req)
	if err != nil {
		return "", err
	}
	if err := expect(resp, 201); err != nil {
		return "", err
	}
	return wire.AsString(resp.Payload), nil
}

// GetObject fetches an object dict; fetch includes the data bytes.
func (c *Client) GetObject(ctx context.Context, dest, id string, fetch bool) (map[string]any, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("client: invalid object uuid: %w", err)
	}
	req := wire.NewRequest(wire.MethodGet, "object")
	req.SetVar("uuid", id)
	if fetch {
		req.SetVar("fetch", true)
	}
	resp, err := c.SendReceive(ctx, dest, req)
	if err != nil {
		return nil, err
	}
	if err := expect(resp, 200); err != nil {
		return nil, err
	}
	return wire.AsMap(resp.Payload), nil
}

// ObjectOptions filter an object listing.
type ObjectOptions struct {
	Sort    string
	Reverse bool
	Limit   int
	Search  string
	Fetch   bool
}

// ListObjects fetches the objects visible to the caller.
func (c *Client) ListObjects(ctx context.Context, dest string, opts ObjectOptions) ([]map[string]any, error) {
	req := wire.NewRequest(wire.MethodGet, "object")
	if opts.Sort != "" {
		req.SetVar("sort", opts.Sort)
	}
	if opts.Reverse {
		req.SetVar("reverse", true)
	}
	if opts.Limit > 0 {
		req.SetVar("limit", opts.Limit)
	}
	if opts.Search != "" {
		req.SetVar("search", opts.Search)
	}
	if opts.Fetch {
		req.SetVar("fetch", true)
	}
	resp, err := c.SendReceive(ctx, dest, req)
	if err != nil {
		return nil, err
	}
	if err := expect(resp, 200); err != nil {
		return nil, err
	}
	return asMapSlice(resp.Payload), nil
}

// UpdateObject renames or rewrites an own object. A non-nil empty data
// slice truncates it.
func (c *Client) UpdateObject(ctx context.Context, dest, id string, name *string, data []byte) (map[string]any, error) {
	req := wire.NewRequest(wire.MethodUpdate, "object")
	req.SetVar("uuid", id)
	payload := map[string]any{}
	if name != nil {
		payload["name"] = *name
	}
	if data != nil {
		payload["data"] = data
	}
	req.Payload = payload
	resp, err := c.SendReceive(ctx, dest, req)
	if err != nil {
		return nil, err
	}
	if err := expect(resp, 200); err != nil {
		return nil, err
	}
	return wire.AsMap(resp.Payload), nil
}

// DeleteObject removes an own object.
func (c *Client) DeleteObject(ctx context.Context, dest, id string) error {
	req := wire.NewRequest(wire.MethodDelete, "object")
	req.SetVar("uuid", id)
	resp, err := c.SendReceive(ctx, dest, req)
	if err != nil {
		return err
	}
	return expect(resp, 200)
}

// JobRequest is a job submission. Quick asks the server to hold the
// request open for up to thirty seconds and return the finished job.
type JobRequest struct {
	Cmd       any // shell string or argv list
	Env       map[string]string
	Files     map[string][]byte
	IncludeDB bool
	Quick     bool
}

// JobResult is the outcome of a submission: either the terminal job
// dict (quick mode, finished in time) or just the queued id.
type JobResult struct {
	JobID    int64
	Finished bool
	View     map[string]any
}

// SubmitJob submits a job for execution on the server.
func (c *Client) SubmitJob(ctx context.Context, dest string, jr JobRequest) (*JobResult, error) {
	payload := map[string]any{"cmd": jr.Cmd}
	if len(jr.Env) > 0 {
		payload["env"] = jr.Env
	}
	if len(jr.Files) > 0 {
		files := map[string]any{}
		for name, data := range jr.Files {
			files[name] = data
		}
		payload["files"] = files
	}
	if jr.IncludeDB {
		payload["db"] = true
	}
	req := wire.NewRequest(wire.MethodPost, "job")
	req.Payload = payload
	if jr.Quick {
		req.SetVar("quick", true)
	}
	resp, err := c.SendReceive(ctx, dest, req)
	if err != nil {
		return nil, err
	}
	if err := expect(resp, 200, 201, 202); err != nil {
		return nil, err
	}
	m := wire.AsMap(resp.Payload)
	if resp.Status == 200 {
		id, _ := wire.AsInt(m["job_id"])
		return &JobResult{JobID: int64(id), Finished: true, View: m}, nil
	}
	id, _ := wire.AsInt(m["job_id"])
	return &JobResult{JobID: int64(id)}, nil
}

// GetJob fetches the full dict of one own job.
func (c *Client) GetJob(ctx context.Context, dest string, id int64) (map[string]any, error) {
	resp, err := c.SendReceive(ctx, dest, wire.NewRequest(wire.MethodGet, fmt.Sprintf("job/%d", id)))
	if err != nil {
		return nil, err
	}
	if err := expect(resp, 200); err != nil {
		return nil, err
	}
	return wire.AsMap(resp.Payload), nil
}

// ListJobs fetches the caller's jobs, newest first.
func (c *Client) ListJobs(ctx context.Context, dest string, limit int, idOnly bool) (any, error) {
	req := wire.NewRequest(wire.MethodGet, "job/user")
	if limit > 0 {
		req.SetVar("limit", limit)
	}
	if idOnly {
		req.SetVar("id_only", true)
	}
	resp, err := c.SendReceive(ctx, dest, req)
	if err != nil {
		return nil, err
	}
	if err := expect(resp, 200); err != nil {
		return nil, err
	}
	if idOnly {
		return resp.Payload, nil
	}
	return asMapSlice(resp.Payload), nil
}

// asMapSlice coerces a decoded list payload into dict form.
func asMapSlice(v any) []map[string]any {
	items := wire.AsSlice(v)
	views := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if m := wire.AsMap(item); m != nil {
			views = append(views, m)
		}
	}
	return views
}
