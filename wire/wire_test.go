package wire_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/packetserver-io/packetserver/wire"
)

// rawEnvelope mirrors the outer frame so tests can inspect and forge the
// compression byte without going through Pack.
type rawEnvelope struct {
	Type        uint8  `msgpack:"t"`
	Compression uint8  `msgpack:"c"`
	Body        []byte `msgpack:"d"`
}

func TestRequestRoundTrip(t *testing.T) {
	modes := []struct {
		name string
		c    wire.Compression
	}{
		{"none", wire.CompressionNone},
		{"bzip2", wire.CompressionBzip2},
		{"gzip", wire.CompressionGzip},
		{"deflate", wire.CompressionDeflate},
	}

	for _, mode := range modes {
		t.Run(mode.name, func(t *testing.T) {
			req := wire.NewRequest(wire.MethodPost, "bulletin")
			req.SetVar("limit", 5)
			req.SetVar("search", "antenna")
			req.Payload = map[string]any{
				"subject": "field day",
				"body":    strings.Repeat("CQ CQ CQ de W1AW ", 40),
			}

			frame, err := req.Pack(mode.c)
			require.NoError(t, err)

			msg, err := wire.Decode(frame)
			require.NoError(t, err)

			got, ok := msg.(*wire.Request)
			require.True(t, ok, "decoded message should be a request")

			assert.Equal(t, "bulletin", got.Path)
			assert.Equal(t, wire.MethodPost, got.Method)
			assert.Equal(t, 5, got.IntVar("limit", 0))
			assert.Equal(t, "antenna", got.StringVar("search"))

			payload := wire.AsMap(got.Payload)
			require.NotNil(t, payload)
			assert.Equal(t, "field day", wire.AsString(payload["subject"]))
			assert.Equal(t, strings.Repeat("CQ CQ CQ de W1AW ", 40), wire.AsString(payload["body"]))
		})
	}
}

func TestPackSkipsCompressionForTinyBodies(t *testing.T) {
	req := wire.NewRequest(wire.MethodGet, "")

	frame, err := req.Pack(wire.CompressionBzip2)
	require.NoError(t, err)

	var env rawEnvelope
	require.NoError(t, msgpack.Unmarshal(frame, &env))
	assert.Equal(t, uint8(wire.CompressionNone), env.Compression,
		"a body under the 30-byte floor must go out uncompressed")
}

func TestPackSkipsCompressionWhenNotSmaller(t *testing.T) {
	// Random-looking short-ish data does not compress; the envelope must
	// fall back to c=0 while still decoding correctly.
	req := wire.NewRequest(wire.MethodPost, "object")
	req.Payload = map[string]any{
		"data": []byte{0x8f, 0x11, 0xe2, 0x41, 0x7b, 0x09, 0xde, 0xad, 0xbe, 0xef,
			0x42, 0x99, 0x3c, 0x5a, 0xc4, 0x01, 0x77, 0x13, 0xfa, 0x60,
			0x2b, 0x8d, 0x55, 0xee, 0x04, 0xb1, 0xc9, 0x36, 0x72, 0xaf},
	}

	frame, err := req.Pack(wire.CompressionGzip)
	require.NoError(t, err)

	var env rawEnvelope
	require.NoError(t, msgpack.Unmarshal(frame, &env))
	assert.Equal(t, uint8(wire.CompressionNone), env.Compression)

	msg, err := wire.Decode(frame)
	require.NoError(t, err)
	got := msg.(*wire.Request)
	assert.Equal(t, req.Payload.(map[string]any)["data"], wire.AsBytes(wire.AsMap(got.Payload)["data"]))
}

func TestPackCompressesLargeBodies(t *testing.T) {
	req := wire.NewRequest(wire.MethodPost, "message")
	req.Payload = map[string]any{"text": strings.Repeat("seventy three ", 200)}

	frame, err := req.Pack(wire.CompressionBzip2)
	require.NoError(t, err)

	var env rawEnvelope
	require.NoError(t, msgpack.Unmarshal(frame, &env))
	assert.Equal(t, uint8(wire.CompressionBzip2), env.Compression)

	plain, err := req.Pack(wire.CompressionNone)
	require.NoError(t, err)
	assert.Less(t, len(frame), len(plain), "compressed frame should be smaller")
}

func TestPathCleanedAtSetPackAndParse(t *testing.T) {
	req := wire.NewRequest(wire.MethodGet, "  User/W1AW  ")
	assert.Equal(t, "user/w1aw", req.Path)

	// Direct field assignment bypasses SetPath; Pack must clean it anyway.
	req.Path = " Bulletin/2 "
	frame, err := req.Pack(wire.CompressionNone)
	require.NoError(t, err)

	msg, err := wire.Decode(frame)
	require.NoError(t, err)
	got := msg.(*wire.Request)
	assert.Equal(t, "bulletin/2", got.Path)
	assert.Equal(t, []string{"bulletin", "2"}, got.Segments())
	assert.Equal(t, "bulletin", got.Root())
}

func TestResponseRoundTrip(t *testing.T) {
	resp, err := wire.NewResponse(201, map[string]any{"bulletin_id": 0})
	require.NoError(t, err)

	frame, err := resp.Pack(wire.CompressionNone)
	require.NoError(t, err)

	msg, err := wire.Decode(frame)
	require.NoError(t, err)

	got, ok := msg.(*wire.Response)
	require.True(t, ok, "decoded message should be a response")
	assert.Equal(t, 201, got.Status)

	id, ok := wire.AsInt(wire.AsMap(got.Payload)["bulletin_id"])
	require.True(t, ok)
	assert.Equal(t, 0, id)
}

func TestResponseStatusRange(t *testing.T) {
	for _, status := range []int{1, 200, 599} {
		_, err := wire.NewResponse(status, nil)
		assert.NoError(t, err, "status %d should be accepted", status)
	}
	for _, status := range []int{0, -1, 600, 1000} {
		_, err := wire.NewResponse(status, nil)
		assert.ErrorIs(t, err, wire.ErrStatusRange, "status %d should be rejected", status)
	}

	// Hand-built responses are checked again at pack time.
	bad := &wire.Response{Status: 600}
	_, err := bad.Pack(wire.CompressionNone)
	assert.ErrorIs(t, err, wire.ErrStatusRange)
}

func TestDecodeRejectsUnknownCompression(t *testing.T) {
	inner, err := msgpack.Marshal(map[string]any{"c": 200, "d": nil})
	require.NoError(t, err)
	frame, err := msgpack.Marshal(rawEnvelope{Type: 1, Compression: 9, Body: inner})
	require.NoError(t, err)

	_, err = wire.Decode(frame)
	assert.ErrorIs(t, err, wire.ErrUnsupportedEncoding)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := wire.Decode([]byte{0x01, 0x02, 0x03})
	assert.ErrorIs(t, err, wire.ErrBadFrame)
}

func TestMethodString(t *testing.T) {
	assert.Equal(t, "GET", wire.MethodGet.String())
	assert.Equal(t, "POST", wire.MethodPost.String())
	assert.Equal(t, "UPDATE", wire.MethodUpdate.String())
	assert.Equal(t, "DELETE", wire.MethodDelete.String())
}
