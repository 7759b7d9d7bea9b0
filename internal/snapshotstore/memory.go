package snapshotstore

import (
	"context"
	"sync"

	"github.com/agentworkforce/relaydoc/internal/docsync"
)

type MemoryStore struct {
	mu        sync.Mutex
	snapshots map[string]docsync.DocumentSnapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snapshots: map[string]docsync.DocumentSnapshot{}}
}

func (s *MemoryStore) Load(_ context.Context, documentID string) (docsync.DocumentSnapshot, bool, error) {
	if err := validID(documentID); err != nil {
		return docsync.DocumentSnapshot{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[documentID]
	if !ok {
		return docsync.DocumentSnapshot{}, false, nil
	}
	return cloneSnapshot(snap), true, nil
}

func (s *MemoryStore) Save(_ context.Context, snapshot docsync.DocumentSnapshot) error {
	if err := validID(snapshot.DocumentID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snapshot.DocumentID] = cloneSnapshot(snapshot)
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func cloneSnapshot(snap docsync.DocumentSnapshot) docsync.DocumentSnapshot {
	if snap.Editors != nil {
		snap.Editors = append([]string(nil), snap.Editors...)
	}
	return snap
}
