// Package archive keeps a copy of every decoded calendar payload, keyed by
// capture time, so a bad sync can be replayed or inspected later.
package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Archiver stores one payload document.
type Archiver interface {
	Put(ctx context.Context, at time.Time, body []byte) (string, error)
}

// ObjectName is the key a payload captured at `at` is stored under.
func ObjectName(at time.Time) string {
	u := at.UTC()
	return fmt.Sprintf("payloads/%s/%s.json", u.Format("2006/01/02"), u.Format("20060102T150405.000000000Z"))
}

// Dir writes payloads below a local directory.
type Dir struct {
	Root string
}

func (d Dir) Put(ctx context.Context, at time.Time, body []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	name := ObjectName(at)
	path := filepath.Join(d.Root, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("archive: mkdir: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, body, 0o600); err != nil {
		return "", fmt.Errorf("archive: write: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("archive: rename: %w", err)
	}
	return path, nil
}
