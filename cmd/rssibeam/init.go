package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/iobeam/rssibeam/internal/config"
	"github.com/iobeam/rssibeam/internal/defaults"
)

// runInit initializes a working directory with the default config and
// an empty data directory. Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing rssibeam workspace in %s\n", dir)

	dataDir := filepath.Join(dir, config.DefaultDataDir)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dataDir, err)
	}
	fmt.Fprintf(w, "  ✓ %s%c\n", dataDir, filepath.Separator)

	// The config may hold a project token, so keep it private.
	configPath := filepath.Join(dir, "config.yaml")
	if err := writeIfMissing(w, configPath, defaults.ConfigYAML, 0o600); err != nil {
		return err
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Set telemetry.project_id and project_token in config.yaml, then run: rssibeam serve")
	return nil
}

// writeIfMissing writes content to path with mode perm only if the
// file does not already exist, and reports which happened on w.
func writeIfMissing(w io.Writer, path string, content []byte, perm os.FileMode) error {
	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(w, "  - %s (exists, skipping)\n", path)
		return nil
	}
	if err := os.WriteFile(path, content, perm); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Fprintf(w, "  ✓ %s\n", path)
	return nil
}
