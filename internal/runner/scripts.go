package runner

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"path"
)

//go:embed scripts/*.sh
var scriptFS embed.FS

// scriptDir is where the embedded shell scripts land inside every managed
// container.
const scriptDir = "/opt/packetserver"

// uploadScripts copies the embedded setup and job scripts into a freshly
// started container.
func uploadScripts(ctx context.Context, engine Engine, container string) error {
	mkdir := []string{"mkdir", "-p", scriptDir}
	if res, err := engine.Exec(ctx, container, mkdir, ExecOptions{}); err != nil {
		return err
	} else if res.ExitCode != 0 {
		return fmt.Errorf("runner: mkdir %s in %s: exit %d", scriptDir, container, res.ExitCode)
	}

	entries, err := fs.ReadDir(scriptFS, "scripts")
	if err != nil {
		return fmt.Errorf("runner: read embedded scripts: %w", err)
	}
	for _, entry := range entries {
		data, err := scriptFS.ReadFile(path.Join("scripts", entry.Name()))
		if err != nil {
			return fmt.Errorf("runner: read embedded script %s: %w", entry.Name(), err)
		}
		archive, err := buildFileArchive(entry.Name(), data, 0o755)
		if err != nil {
			return err
		}
		if err := engine.PutArchive(ctx, container, scriptDir, archive); err != nil {
			return err
		}
	}
	return nil
}

// runScript executes one of the uploaded scripts as root.
func runScript(ctx context.Context, engine Engine, container, script string, args ...string) error {
	cmd := append([]string{"bash", path.Join(scriptDir, script)}, args...)
	res, err := engine.Exec(ctx, container, cmd, ExecOptions{})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("runner: %s in %s: exit %d: %s", script, container, res.ExitCode, res.Stderr)
	}
	return nil
}
