package tokenstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// File stores the token as JSON in a file readable only by its owner.
// Writes go through a temp file and rename so readers never see a partial
// token. Watch observes writes by other processes.
type File struct {
	path string
	mu   sync.Mutex
}

// NewFile returns a File store at path. The file is created on first Store.
func NewFile(path string) *File {
	return &File{path: filepath.Clean(path)}
}

// Path returns the token file path.
func (f *File) Path() string {
	return f.path
}

func (f *File) Store(_ context.Context, t Token) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	// Unchanged content would only wake watchers for nothing.
	if prev, err := os.ReadFile(f.path); err == nil && bytes.Equal(prev, data) {
		return nil
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(f.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp token file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp token file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp token file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp token file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp token file: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("replace token file: %w", err)
	}
	return nil
}

func (f *File) Read(_ context.Context) (Token, bool, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Token{}, false, nil
	}
	if err != nil {
		return Token{}, false, fmt.Errorf("read token file: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return Token{}, false, nil
	}
	var t Token
	if err := json.Unmarshal(data, &t); err != nil {
		return Token{}, false, fmt.Errorf("decode token file: %w", err)
	}
	return t, true, nil
}

func (f *File) Clear(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove token file: %w", err)
	}
	return nil
}

// Watch reports changes to the token file made by any process. It watches
// the parent directory so that atomic replaces and removals are seen.
func (f *File) Watch(ctx context.Context) (<-chan struct{}, error) {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create token dir: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	log.Debugf("watching token file: %s", f.path)

	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if !f.relevant(event) {
					continue
				}
				log.Debugf("token file event: %s", event.Op.String())
				select {
				case out <- struct{}{}:
				default:
				}
			case errWatch, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Errorf("token file watcher error: %v", errWatch)
			}
		}
	}()
	return out, nil
}

func (f *File) relevant(event fsnotify.Event) bool {
	ops := fsnotify.Create | fsnotify.Write | fsnotify.Remove | fsnotify.Rename
	return filepath.Clean(event.Name) == f.path && event.Op&ops != 0
}

var (
	_ Store   = (*File)(nil)
	_ Watcher = (*File)(nil)
)
