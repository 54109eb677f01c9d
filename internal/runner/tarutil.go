package runner

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/klauspost/compress/gzip"
)

// buildFileArchive wraps one file in a tar stream for Engine.PutArchive.
// The entry is root-owned; the runner chowns it afterwards when the job
// user should own it.
func buildFileArchive(name string, data []byte, mode int64) ([]byte, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name:    name,
		Mode:    mode,
		Size:    int64(len(data)),
		ModTime: time.Now().UTC(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return nil, fmt.Errorf("runner: tar header %s: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return nil, fmt.Errorf("runner: tar write %s: %w", name, err)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("runner: tar close: %w", err)
	}
	return buf.Bytes(), nil
}

// extractFile pulls the named file out of a tar stream (Engine.GetArchive
// output). Entries are matched on base name because the engine prefixes
// them with the requested directory.
func extractFile(tarData []byte, name string) ([]byte, error) {
	tr := tar.NewReader(bytes.NewReader(tarData))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil, fmt.Errorf("runner: %s not found in archive", name)
		}
		if err != nil {
			return nil, fmt.Errorf("runner: read archive: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg || path.Base(hdr.Name) != name {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("runner: extract %s: %w", name, err)
		}
		return data, nil
	}
}

// gzipTarHasFiles reports whether the gzipped tar contains at least one
// regular file. The end-of-job script always produces an archive, so this
// is what decides whether a job actually left artifacts behind.
func gzipTarHasFiles(data []byte) (bool, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return false, fmt.Errorf("runner: open artifact archive: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("runner: scan artifact archive: %w", err)
		}
		if hdr.Typeflag == tar.TypeReg {
			return true, nil
		}
	}
}
