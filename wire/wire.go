// Package wire implements the msgpack framing shared by every transport.
//
// A frame on the wire is a msgpack map with three short keys:
//
//	t — message type (0 request, 1 response)
//	c — body compression (0 none, 1 bzip2, 2 gzip, 3 deflate)
//	d — the inner map, msgpack-encoded and then compressed per c
//
// The inner map carries `p` (path), `m` (method), `v` (vars) and `d`
// (payload) for requests, and `c` (status) and `d` (payload) for responses.
// Payloads and vars are open-ended msgpack values; see values.go for the
// tolerant coercion helpers handlers use to read them.
//
// Frames are emitted uncompressed whenever compression would not help: a
// body under 30 bytes, or a compressed form at least as large as the
// original, always goes out with c=0.
package wire

import (
	"errors"
	"fmt"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// Sentinel errors surfaced by the codec. Stream-level failures reset the
// unpacker; message-level failures skip the offending frame.
var (
	// ErrBadFrame reports an envelope that cannot be decoded at all.
	ErrBadFrame = errors.New("wire: bad frame")

	// ErrUnsupportedEncoding reports an envelope whose compression byte is
	// not one of the four defined values.
	ErrUnsupportedEncoding = errors.New("wire: unsupported encoding")

	// ErrStatusRange reports a response status code outside 1..599.
	ErrStatusRange = errors.New("wire: status code out of range 1..599")
)

// MessageType discriminates requests from responses on the wire.
type MessageType uint8

const (
	MessageRequest  MessageType = 0
	MessageResponse MessageType = 1
)

// Compression identifies the codec applied to the envelope body.
type Compression uint8

const (
	CompressionNone    Compression = 0
	CompressionBzip2   Compression = 1
	CompressionGzip    Compression = 2
	CompressionDeflate Compression = 3
)

// Method is the request verb. The values are fixed by the wire format.
type Method uint8

const (
	MethodGet    Method = 0
	MethodPost   Method = 1
	MethodUpdate Method = 2
	MethodDelete Method = 3
)

// String returns the conventional spelling of the verb for logs.
func (m Method) String() string {
	switch m {
	case MethodGet:
		return "GET"
	case MethodPost:
		return "POST"
	case MethodUpdate:
		return "UPDATE"
	case MethodDelete:
		return "DELETE"
	default:
		return fmt.Sprintf("METHOD(%d)", uint8(m))
	}
}

// compressMin is the body size below which compression is never attempted.
// Tiny bodies grow under every codec, and the CPU is better spent elsewhere
// on a 1200-baud link.
const compressMin = 30

// envelope is the outer frame. Field order is irrelevant — it is a map.
type envelope struct {
	Type        MessageType `msgpack:"t"`
	Compression Compression `msgpack:"c"`
	Body        []byte      `msgpack:"d"`
}

// requestBody is the inner map of a request frame.
type requestBody struct {
	Path    string         `msgpack:"p"`
	Method  Method         `msgpack:"m"`
	Vars    map[string]any `msgpack:"v"`
	Payload any            `msgpack:"d"`
}

// responseBody is the inner map of a response frame.
type responseBody struct {
	Status  int `msgpack:"c"`
	Payload any `msgpack:"d"`
}

// Message is a fully decoded frame: either *Request or *Response.
type Message interface {
	MessageType() MessageType

	// Pack serialises the message, compressing the body with c when that
	// actually shrinks it.
	Pack(c Compression) ([]byte, error)
}

// -----------------------------------------------------------------------------
// Request
// -----------------------------------------------------------------------------

// Request is an inbound or outbound command addressed by method and path.
// Path is stored lower-cased and trimmed; use NewRequest or SetPath rather
// than assigning the field directly so the invariant holds before packing.
type Request struct {
	Path    string
	Method  Method
	Vars    map[string]any
	Payload any
}

// NewRequest builds a request for path with the given method and an empty
// vars map.
func NewRequest(method Method, path string) *Request {
	return &Request{
		Path:   cleanPath(path),
		Method: method,
		Vars:   make(map[string]any),
	}
}

// MessageType implements Message.
func (r *Request) MessageType() MessageType { return MessageRequest }

// SetPath stores the lower-cased, trimmed form of p.
func (r *Request) SetPath(p string) { r.Path = cleanPath(p) }

// SetVar sets a single request var, allocating the map on first use.
func (r *Request) SetVar(name string, v any) {
	if r.Vars == nil {
		r.Vars = make(map[string]any)
	}
	r.Vars[name] = v
}

// Var returns the named var and whether it was present.
func (r *Request) Var(name string) (any, bool) {
	v, ok := r.Vars[name]
	return v, ok
}

// StringVar returns the named var coerced to a string, or "" when absent.
func (r *Request) StringVar(name string) string {
	return AsString(r.Vars[name])
}

// BytesVar returns the named var coerced to bytes, or nil when absent.
func (r *Request) BytesVar(name string) []byte {
	return AsBytes(r.Vars[name])
}

// IntVar returns the named var coerced to an int, or def when absent or
// not numeric.
func (r *Request) IntVar(name string, def int) int {
	v, ok := r.Vars[name]
	if !ok {
		return def
	}
	n, ok := AsInt(v)
	if !ok {
		return def
	}
	return n
}

// BoolVar reports whether the named var is present and truthy ("y", "yes",
// "true", "1", true, or a non-zero number).
func (r *Request) BoolVar(name string) bool {
	v, ok := r.Vars[name]
	if !ok {
		return false
	}
	return AsBool(v)
}

// Segments splits the path into its non-empty segments:
// "bulletin/2" → ["bulletin", "2"], "" → nil.
func (r *Request) Segments() []string {
	var segs []string
	for _, s := range strings.Split(r.Path, "/") {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}

// Root returns the first path segment, or "" for the root path.
func (r *Request) Root() string {
	if segs := r.Segments(); len(segs) > 0 {
		return segs[0]
	}
	return ""
}

// Pack implements Message.
func (r *Request) Pack(c Compression) ([]byte, error) {
	body := requestBody{
		Path:    cleanPath(r.Path),
		Method:  r.Method,
		Vars:    r.Vars,
		Payload: r.Payload,
	}
	if body.Vars == nil {
		body.Vars = map[string]any{}
	}
	return packEnvelope(MessageRequest, &body, c)
}

// -----------------------------------------------------------------------------
// Response
// -----------------------------------------------------------------------------

// Response is the reply to a single request. Status follows HTTP
// conventions and must lie in 1..599.
type Response struct {
	Status  int
	Payload any
}

// NewResponse builds a response, rejecting status codes outside 1..599.
func NewResponse(status int, payload any) (*Response, error) {
	if status < 1 || status > 599 {
		return nil, fmt.Errorf("%w: %d", ErrStatusRange, status)
	}
	return &Response{Status: status, Payload: payload}, nil
}

// MessageType implements Message.
func (s *Response) MessageType() MessageType { return MessageResponse }

// Pack implements Message.
func (s *Response) Pack(c Compression) ([]byte, error) {
	if s.Status < 1 || s.Status > 599 {
		return nil, fmt.Errorf("%w: %d", ErrStatusRange, s.Status)
	}
	body := responseBody{Status: s.Status, Payload: s.Payload}
	return packEnvelope(MessageResponse, &body, c)
}

// -----------------------------------------------------------------------------
// Pack / decode internals
// -----------------------------------------------------------------------------

// packEnvelope marshals the inner body, applies c when it pays for itself,
// and marshals the outer envelope.
func packEnvelope(t MessageType, inner any, c Compression) ([]byte, error) {
	body, err := msgpack.Marshal(inner)
	if err != nil {
		return nil, fmt.Errorf("wire: encode body: %w", err)
	}

	enc := CompressionNone
	if c != CompressionNone && len(body) >= compressMin {
		compressed, err := compress(c, body)
		if err != nil {
			return nil, err
		}
		if len(compressed) < len(body) {
			body = compressed
			enc = c
		}
	}

	frame, err := msgpack.Marshal(&envelope{Type: t, Compression: enc, Body: body})
	if err != nil {
		return nil, fmt.Errorf("wire: encode envelope: %w", err)
	}
	return frame, nil
}

// Decode parses one complete frame. Callers with a byte stream rather than
// whole frames should use an Unpacker instead.
func Decode(frame []byte) (Message, error) {
	var env envelope
	if err := msgpack.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	return decodeEnvelope(&env)
}

// decodeEnvelope decompresses the body and decodes the inner map according
// to the envelope type.
func decodeEnvelope(env *envelope) (Message, error) {
	body, err := decompress(env.Compression, env.Body)
	if err != nil {
		return nil, err
	}

	switch env.Type {
	case MessageRequest:
		var rb requestBody
		if err := msgpack.Unmarshal(body, &rb); err != nil {
			return nil, fmt.Errorf("%w: request body: %v", ErrBadFrame, err)
		}
		req := &Request{
			Path:    cleanPath(rb.Path),
			Method:  rb.Method,
			Vars:    rb.Vars,
			Payload: rb.Payload,
		}
		if req.Vars == nil {
			req.Vars = map[string]any{}
		}
		return req, nil

	case MessageResponse:
		var sb responseBody
		if err := msgpack.Unmarshal(body, &sb); err != nil {
			return nil, fmt.Errorf("%w: response body: %v", ErrBadFrame, err)
		}
		if sb.Status < 1 || sb.Status > 599 {
			return nil, fmt.Errorf("%w: decoded %d", ErrStatusRange, sb.Status)
		}
		return &Response{Status: sb.Status, Payload: sb.Payload}, nil

	default:
		return nil, fmt.Errorf("%w: unknown message type %d", ErrBadFrame, env.Type)
	}
}

// cleanPath lower-cases and trims a path. Applied at set, pack and parse so
// the invariant holds no matter how the Request was built.
func cleanPath(p string) string {
	return strings.ToLower(strings.TrimSpace(p))
}
