package syncstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Middleware is the capability pair the host store calls around its
// authoritative state. OnHydrate runs at most once per hydration, in
// registration order; a nil value means no contribution. OnPersist runs
// once per committed write, concurrently across middleware instances,
// and all instances are awaited before the next write starts.
// errors from OnPersist are logged by the store, never propagated
type Middleware interface {
	OnHydrate(ctx context.Context) (any, error)
	OnPersist(ctx context.Context, state any) error
}

// FileMiddleware keeps the document in a single json file,
// written atomically via rename
type FileMiddleware struct {
	path string
}

func NewFileMiddleware(path string) *FileMiddleware {
	return &FileMiddleware{
		path: path,
	}
}

func (self *FileMiddleware) OnHydrate(ctx context.Context) (any, error) {
	b, err := os.ReadFile(self.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// nothing persisted yet
			return nil, nil
		}
		return nil, err
	}
	value, err := DecodeValueJSON(b)
	if err != nil {
		return nil, fmt.Errorf("corrupt document %s: %w", self.path, err)
	}
	return value, nil
}

func (self *FileMiddleware) OnPersist(ctx context.Context, state any) error {
	b, err := EncodeValueJSON(state)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(self.path), 0755); err != nil {
		return err
	}
	tmpPath := self.path + ".tmp"
	if err := os.WriteFile(tmpPath, b, 0644); err != nil {
		return err
	}
	return os.Rename(tmpPath, self.path)
}
