package token

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// KeySource supplies the current signing secret. Implementations must be safe
// for concurrent use; the service reads the key on every sign/verify.
type KeySource interface {
	Key() []byte
}

// StaticKey is a fixed secret.
type StaticKey string

func (k StaticKey) Key() []byte { return []byte(k) }

// FileKeySource reads the signing secret from a file and hot-reloads it when
// the file changes, so the key can rotate without a restart. Tokens signed
// with the previous key fail verification after rotation; session-backed
// flows are unaffected.
type FileKeySource struct {
	mu      sync.RWMutex
	key     []byte
	path    string
	watcher *fsnotify.Watcher
	log     *slog.Logger
	done    chan struct{}
}

// NewFileKeySource loads path and starts watching it for changes. Close must
// be called to release the watcher.
func NewFileKeySource(path string, log *slog.Logger) (*FileKeySource, error) {
	if log == nil {
		log = slog.Default()
	}
	key, err := readKeyFile(path)
	if err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("token: watcher: %w", err)
	}
	// Watch the directory, not the file: editors and secret managers rotate
	// via rename, which drops a file-level watch.
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("token: watch %s: %w", filepath.Dir(path), err)
	}
	f := &FileKeySource{key: key, path: path, watcher: w, log: log, done: make(chan struct{})}
	go f.watch()
	return f, nil
}

func (f *FileKeySource) Key() []byte {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.key
}

// Close stops the watcher. Key continues returning the last-loaded secret.
func (f *FileKeySource) Close() error {
	close(f.done)
	return f.watcher.Close()
}

func (f *FileKeySource) watch() {
	for {
		select {
		case <-f.done:
			return
		case ev, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(f.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			key, err := readKeyFile(f.path)
			if err != nil {
				f.log.Warn("signing key reload failed; keeping previous key",
					slog.String("path", f.path), slog.String("err", err.Error()))
				continue
			}
			f.mu.Lock()
			changed := !bytes.Equal(f.key, key)
			f.key = key
			f.mu.Unlock()
			if changed {
				f.log.Info("signing key rotated", slog.String("path", f.path))
			}
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.log.Warn("signing key watcher error", slog.String("err", err.Error()))
		}
	}
}

func readKeyFile(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("token: read key file: %w", err)
	}
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil, fmt.Errorf("token: key file %s is empty", path)
	}
	return b, nil
}

var _ KeySource = StaticKey("")
var _ KeySource = (*FileKeySource)(nil)
