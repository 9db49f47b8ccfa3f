package artifact

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Sink receives downloaded artifacts.
type Sink interface {
	Write(name string, data []byte) (string, error)
}

// DirSink writes artifacts into a local directory, one file per name.
type DirSink struct {
	Dir string
}

// Write stores data as <Dir>/<name> and returns the path. Only the base of
// name is used, so ledger-supplied names cannot escape Dir.
func (s DirSink) Write(name string, data []byte) (string, error) {
	base := filepath.Base(strings.TrimSpace(name))
	if base == "." || base == ".." || base == string(filepath.Separator) || base == "" {
		return "", fmt.Errorf("invalid artifact name %q", name)
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", s.Dir, err)
	}
	path := filepath.Join(s.Dir, base)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}
