// Package evidence writes session screenshots under a per-resource,
// per-run directory tree.
package evidence

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/ternarybob/autopilot/internal/interfaces"
)

// FSStore implements interfaces.EvidenceStore over an afero filesystem
type FSStore struct {
	fs   afero.Fs
	root string
}

var _ interfaces.EvidenceStore = (*FSStore)(nil)

// NewFSStore stores evidence on the OS filesystem below root
func NewFSStore(root string) (*FSStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve evidence dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("create evidence dir: %w", err)
	}
	return &FSStore{fs: afero.NewBasePathFs(afero.NewOsFs(), abs), root: abs}, nil
}

// NewMemStore keeps evidence in memory (tests, dry runs)
func NewMemStore() *FSStore {
	return &FSStore{fs: afero.NewMemMapFs(), root: string(filepath.Separator)}
}

// Write stores data at path relative to the root and returns the full path
func (s *FSStore) Write(ctx context.Context, path string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	clean := filepath.Clean(string(filepath.Separator) + path)
	if err := s.fs.MkdirAll(filepath.Dir(clean), 0755); err != nil {
		return "", fmt.Errorf("create evidence path: %w", err)
	}
	if err := afero.WriteFile(s.fs, clean, data, 0644); err != nil {
		return "", fmt.Errorf("write evidence %s: %w", path, err)
	}
	return filepath.Join(s.root, clean), nil
}

// Read returns a previously written file by its relative path
func (s *FSStore) Read(path string) ([]byte, error) {
	return afero.ReadFile(s.fs, filepath.Clean(string(filepath.Separator)+path))
}

// Root returns the absolute root of the store
func (s *FSStore) Root() string {
	return s.root
}

// SessionDir returns the relative directory for one run of one resource.
// The run id keeps two runs started in the same millisecond apart; the
// timestamp prefix keeps a resource's runs in start order.
func SessionDir(resourceID, runID string, startedAt time.Time) string {
	return filepath.Join(sanitize(resourceID), startedAt.UTC().Format("20060102T150405.000Z")+"_"+sanitize(runID))
}

func sanitize(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, name)
}
