package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Local serves blobs from a directory tree. References are paths relative to root.
type Local struct {
	root string
}

func NewLocal(root string) *Local {
	return &Local{root: root}
}

func (l *Local) path(ref string) string {
	return filepath.Join(l.root, filepath.FromSlash(sanitizeKey(ref)))
}

func (l *Local) Fetch(_ context.Context, ref string) (io.ReadCloser, error) {
	f, err := os.Open(l.path(ref))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("open blob: %w", err)
	}
	return f, nil
}

func (l *Local) Exists(_ context.Context, ref string) (bool, error) {
	info, err := os.Stat(l.path(ref))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat blob: %w", err)
	}
	return !info.IsDir(), nil
}

func (l *Local) Put(_ context.Context, key string, body io.Reader, _ string) (string, error) {
	path := l.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	out, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create blob: %w", err)
	}
	if _, err := io.Copy(out, body); err != nil {
		out.Close()
		return "", fmt.Errorf("write blob: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", err
	}
	return path, nil
}
