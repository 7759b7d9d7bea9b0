package snapshotstore

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/agentworkforce/relaydoc/internal/docsync"
)

// FileStore keeps one JSON file per document under Dir.
type FileStore struct {
	Dir string

	mu sync.Mutex
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{Dir: strings.TrimSpace(dir)}
}

func (s *FileStore) Load(_ context.Context, documentID string) (docsync.DocumentSnapshot, bool, error) {
	if err := validID(documentID); err != nil {
		return docsync.DocumentSnapshot{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path(documentID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return docsync.DocumentSnapshot{}, false, nil
		}
		return docsync.DocumentSnapshot{}, false, err
	}
	var snap docsync.DocumentSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return docsync.DocumentSnapshot{}, false, err
	}
	return snap, true, nil
}

func (s *FileStore) Save(_ context.Context, snapshot docsync.DocumentSnapshot) error {
	if err := validID(snapshot.DocumentID); err != nil {
		return err
	}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return err
	}
	target := s.path(snapshot.DocumentID)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, target)
}

func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) path(documentID string) string {
	return filepath.Join(s.Dir, url.PathEscape(documentID)+".json")
}
