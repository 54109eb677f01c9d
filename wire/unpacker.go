package wire

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// maxBufferedFrame caps how much undecodable data the unpacker will hold
// before declaring the stream bad. A frame header announcing a body larger
// than this is garbage, not a message — nothing legitimate on a packet link
// approaches it.
const maxBufferedFrame = 16 << 20

// Unpacker incrementally decodes frames from an arbitrarily chunked byte
// stream. Feed appends raw bytes as the transport delivers them; Next yields
// complete messages one at a time, retaining partial frames until the rest
// arrives.
//
// The zero value is ready to use. An Unpacker is not safe for concurrent
// use; each connection owns exactly one and serialises access through its
// receive path.
type Unpacker struct {
	buf bytes.Buffer
}

// Feed appends a chunk of raw stream bytes.
func (u *Unpacker) Feed(p []byte) {
	u.buf.Write(p)
}

// Buffered returns the number of bytes held while waiting for a complete
// frame.
func (u *Unpacker) Buffered() int {
	return u.buf.Len()
}

// Next decodes and returns the next complete message, or (nil, nil) when the
// buffered bytes do not yet form a whole frame.
//
// A malformed envelope fails the stream with ErrBadFrame and discards the
// buffer — resynchronising mid-garbage is not possible in a length-delimited
// format. Errors inside a well-formed envelope (ErrUnsupportedEncoding, a
// bad inner map) skip that frame only; subsequent frames still decode.
func (u *Unpacker) Next() (Message, error) {
	if u.buf.Len() == 0 {
		return nil, nil
	}

	r := bytes.NewReader(u.buf.Bytes())
	dec := msgpack.NewDecoder(r)

	var env envelope
	if err := dec.Decode(&env); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			// Partial frame. Hold the bytes unless the peer is clearly
			// streaming garbage dressed up as an enormous header.
			if u.buf.Len() > maxBufferedFrame {
				u.buf.Reset()
				return nil, fmt.Errorf("%w: frame exceeds %d bytes", ErrBadFrame, maxBufferedFrame)
			}
			return nil, nil
		}
		u.buf.Reset()
		return nil, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}

	// bytes.Reader satisfies the decoder's buffered-reader interface, so the
	// reader position is exactly the end of the decoded envelope.
	consumed := int(r.Size()) - r.Len()
	u.buf.Next(consumed)

	return decodeEnvelope(&env)
}
