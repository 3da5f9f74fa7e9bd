package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Local writes objects under a directory and serves them from BaseURL.
type Local struct {
	Dir     string
	BaseURL string
}

func NewLocal(dir, baseURL string) (*Local, error) {
	if dir == "" {
		return nil, errors.New("media dir is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}
	return &Local{Dir: dir, BaseURL: baseURL}, nil
}

func (l *Local) Save(ctx context.Context, key, _ string, r io.Reader, _ int64) (Object, error) {
	key, err := cleanKey(key)
	if err != nil {
		return Object{}, err
	}
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}

	dst := filepath.Join(l.Dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return Object{}, fmt.Errorf("create object dir: %w", err)
	}
	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return Object{}, fmt.Errorf("create object: %w", err)
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(dst)
		return Object{}, fmt.Errorf("write object: %w", err)
	}
	return Object{Key: key, Size: n, URL: l.URL(key)}, nil
}

func (l *Local) URL(key string) string {
	return joinURL(l.BaseURL, key)
}
