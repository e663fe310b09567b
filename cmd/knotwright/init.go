package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nugget/knotwright/examples"
)

// runInit prepares a working directory: a data directory and an example
// config.yaml. Existing files are never overwritten. The config may hold
// broker credentials, so it is written owner-only.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing Knotwright workspace in %s\n", dir)

	data := filepath.Join(dir, "data")
	if err := os.MkdirAll(data, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", data, err)
	}
	fmt.Fprintf(w, "  ✓ %s/\n", data)

	configPath := filepath.Join(dir, "config.yaml")
	wrote, err := writeIfMissing(configPath, examples.ConfigYAML, 0o600)
	if err != nil {
		return fmt.Errorf("write %s: %w", configPath, err)
	}
	if wrote {
		fmt.Fprintf(w, "  ✓ %s\n", configPath)
	} else {
		fmt.Fprintf(w, "  - %s (exists, left unchanged)\n", configPath)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml to point at your Ollama server and pick a model.")
	return nil
}
