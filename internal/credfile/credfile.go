// Package credfile serves a bearer credential from a file and reloads it
// when the file changes, so rotated secrets take effect without a restart.
package credfile

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/alexjbarnes/siren-bind/token"
	"github.com/fsnotify/fsnotify"
)

// maxCredentialBytes caps the credential file size.
const maxCredentialBytes = 64 * 1024

// File holds the current contents of a credential file.
type File struct {
	path   string
	logger *slog.Logger

	mu       sync.RWMutex
	value    string
	onChange []func(value string)
}

// Open reads the credential at path. The file must exist and contain a
// non-empty credential.
func Open(path string, logger *slog.Logger) (*File, error) {
	if logger == nil {
		logger = slog.Default()
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving credential path: %w", err)
	}

	f := &File{path: abs, logger: logger}

	v, err := f.read()
	if err != nil {
		return nil, err
	}

	f.value = v

	return f, nil
}

// Path returns the absolute path of the credential file.
func (f *File) Path() string {
	return f.path
}

// Value returns the credential last read from disk.
func (f *File) Value() string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return f.value
}

// Provider returns a token provider backed by the file's current value.
func (f *File) Provider() token.Provider {
	return func(context.Context) (string, error) {
		v := f.Value()
		if v == "" {
			return "", fmt.Errorf("credential file %s is empty", f.path)
		}

		return v, nil
	}
}

// OnChange registers fn to run after the credential changes on disk.
func (f *File) OnChange(fn func(value string)) {
	f.mu.Lock()
	f.onChange = append(f.onChange, fn)
	f.mu.Unlock()
}

// Watch reloads the credential whenever the file is written or replaced.
// The parent directory is watched so atomic renames and mounted secret
// updates are seen. It blocks until ctx is canceled.
func (f *File) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(f.path), err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed")
			}

			if filepath.Clean(event.Name) != f.path {
				continue
			}

			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				f.reload()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed")
			}

			f.logger.Warn("credential watcher error", slog.String("error", err.Error()))
		}
	}
}

// reload rereads the file. A missing or empty file keeps the previous
// credential; editors and secret mounts briefly produce both.
func (f *File) reload() {
	v, err := f.read()
	if err != nil {
		f.logger.Debug("credential reload skipped",
			slog.String("path", f.path),
			slog.String("error", err.Error()),
		)

		return
	}

	f.mu.Lock()
	if v == f.value {
		f.mu.Unlock()
		return
	}

	f.value = v
	hooks := append(([]func(string))(nil), f.onChange...)
	f.mu.Unlock()

	f.logger.Info("credential reloaded", slog.String("path", f.path))

	for _, fn := range hooks {
		fn(v)
	}
}

func (f *File) read() (string, error) {
	info, err := os.Stat(f.path)
	if err != nil {
		return "", fmt.Errorf("reading credential file: %w", err)
	}

	if info.Size() > maxCredentialBytes {
		return "", fmt.Errorf("credential file %s exceeds %d bytes", f.path, maxCredentialBytes)
	}

	if runtime.GOOS != "windows" && info.Mode().Perm()&0o077 != 0 {
		f.logger.Warn("credential file has insecure permissions",
			slog.String("path", f.path),
			slog.String("mode", fmt.Sprintf("%04o", info.Mode().Perm())),
		)
	}

	data, err := os.ReadFile(f.path)
	if err != nil {
		return "", fmt.Errorf("reading credential file: %w", err)
	}

	v := strings.TrimSpace(string(data))
	if v == "" {
		return "", fmt.Errorf("credential file %s is empty", f.path)
	}

	return v, nil
}
