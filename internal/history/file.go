package history

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var unsafeKeyPattern = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// FileBackend keeps one JSON file per key under dir, like a browser's local storage
// scoped to a single origin.
type FileBackend struct {
	dir string
}

func NewFileBackend(dir string) (*FileBackend, error) {
	clean := strings.TrimSpace(dir)
	if clean == "" {
		return nil, errors.New("history: file backend needs a directory")
	}
	if err := os.MkdirAll(clean, 0o700); err != nil {
		return nil, fmt.Errorf("create history dir %s: %w", clean, err)
	}
	return &FileBackend{dir: clean}, nil
}

func (f *FileBackend) path(key string) string {
	safe := strings.Trim(unsafeKeyPattern.ReplaceAllString(key, "-"), "-.")
	if safe == "" {
		safe = "default"
	}
	return filepath.Join(f.dir, safe+".json")
}

func (f *FileBackend) Get(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(f.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

// Put writes through a temp file and rename so a crash mid-write leaves the previous
// history intact.
func (f *FileBackend) Put(_ context.Context, key string, value []byte) error {
	target := f.path(key)
	tmp, err := os.CreateTemp(f.dir, filepath.Base(target)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func (f *FileBackend) Delete(_ context.Context, key string) error {
	err := os.Remove(f.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (f *FileBackend) Close() error {
	return nil
}
