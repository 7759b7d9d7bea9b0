// Package mirror keeps a local file in step with an open document: saves
// to the file become edits, and remote content is written back to it.
package mirror

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/agentworkforce/relaydoc/internal/logging"
)

// Editor is the side of a document session the mirror drives.
type Editor interface {
	Content() string
	SetContent(content string) error
}

type Mirror struct {
	path   string
	logger logging.Logger

	mu       sync.Mutex
	lastHash string
}

func New(path string, logger logging.Logger) (*Mirror, error) {
	if path == "" {
		return nil, fmt.Errorf("mirror path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	return &Mirror{
		path:   abs,
		logger: logging.OrNop(logger).With("path", abs),
	}, nil
}

func (m *Mirror) Path() string {
	return m.path
}

// WriteRemote replaces the file with content that arrived from elsewhere.
// The write is recognised when it comes back as a file event and is not
// fed to the editor again.
func (m *Mirror) WriteRemote(content string) error {
	data := []byte(content)
	sum := hashBytes(data)
	m.mu.Lock()
	defer m.mu.Unlock()
	if sum == m.lastHash {
		return nil
	}
	if err := writeFileAtomic(m.path, data, 0o644); err != nil {
		return err
	}
	m.lastHash = sum
	return nil
}

// Run writes the editor's current content to the file, then forwards file
// changes to the editor until ctx is done.
func (m *Mirror) Run(ctx context.Context, editor Editor) error {
	if editor == nil {
		return fmt.Errorf("mirror editor is required")
	}
	if err := m.WriteRemote(editor.Content()); err != nil {
		return fmt.Errorf("write initial content: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	// Editors commonly save by renaming over the file, which drops a watch
	// on the file itself.
	if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		return err
	}
	m.logger.Info(ctx, "mirroring document to file")

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != m.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := m.syncLocal(ctx, editor); err != nil {
				m.logger.Warn(ctx, "local change not applied", "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.logger.Warn(ctx, "watch error", "error", err)
		}
	}
}

func (m *Mirror) syncLocal(ctx context.Context, editor Editor) error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	sum := hashBytes(data)
	m.mu.Lock()
	if sum == m.lastHash {
		m.mu.Unlock()
		return nil
	}
	m.lastHash = sum
	m.mu.Unlock()
	m.logger.Debug(ctx, "local change", "bytes", len(data))
	return editor.SetContent(string(data))
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
