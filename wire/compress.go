package wire

import (
	"bytes"
	"fmt"
	"io"

	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
)

// compress applies the named codec to p. CompressionDeflate bodies use the
// zlib container (RFC 1950), matching what peers emit for c=3.
func compress(c Compression, p []byte) ([]byte, error) {
	var buf bytes.Buffer

	switch c {
	case CompressionBzip2:
		w, err := bzip2.NewWriter(&buf, &bzip2.WriterConfig{Level: bzip2.BestCompression})
		if err != nil {
			return nil, fmt.Errorf("wire: bzip2 writer: %w", err)
		}
		if _, err := w.Write(p); err != nil {
			return nil, fmt.Errorf("wire: bzip2 compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("wire: bzip2 close: %w", err)
		}

	case CompressionGzip:
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(p); err != nil {
			return nil, fmt.Errorf("wire: gzip compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("wire: gzip close: %w", err)
		}

	case CompressionDeflate:
		w := zlib.NewWriter(&buf)
		if _, err := w.Write(p); err != nil {
			return nil, fmt.Errorf("wire: deflate compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("wire: deflate close: %w", err)
		}

	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedEncoding, c)
	}

	return buf.Bytes(), nil
}

// decompress reverses compress. CompressionNone returns p untouched.
func decompress(c Compression, p []byte) ([]byte, error) {
	switch c {
	case CompressionNone:
		return p, nil

	case CompressionBzip2:
		r, err := bzip2.NewReader(bytes.NewReader(p), nil)
		if err != nil {
			return nil, fmt.Errorf("wire: bzip2 reader: %w", err)
		}
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("wire: bzip2 decompress: %w", err)
		}
		return out, nil

	case CompressionGzip:
		r, err := gzip.NewReader(bytes.NewReader(p))
		if err != nil {
			return nil, fmt.Errorf("wire: gzip reader: %w", err)
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("wire: gzip decompress: %w", err)
		}
		return out, nil

	case CompressionDeflate:
		r, err := zlib.NewReader(bytes.NewReader(p))
		if err != nil {
			return nil, fmt.Errorf("wire: deflate reader: %w", err)
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("wire: deflate decompress: %w", err)
		}
		return out, nil

	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedEncoding, c)
	}
}
