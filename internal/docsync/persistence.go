package docsync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/agentworkforce/relaydoc/internal/logging"
)

// SnapshotStore caches last-known-good snapshots locally.
type SnapshotStore interface {
	Load(ctx context.Context, documentID string) (DocumentSnapshot, bool, error)
	Save(ctx context.Context, snapshot DocumentSnapshot) error
}

type PersisterOptions struct {
	Notifier Notifier
	Store    SnapshotStore
	Logger   logging.Logger
	Metrics  *Metrics
	// SavedDisplay is how long Saved is shown before reverting to Idle.
	SavedDisplay  time.Duration
	OnStateChange func(SaveState)
}

// Persister performs the authoritative PATCH saves of one document and
// tracks the resulting SaveState.
type Persister struct {
	client        RemoteClient
	notifier      Notifier
	store         SnapshotStore
	logger        logging.Logger
	metrics       *Metrics
	savedDisplay  time.Duration
	onStateChange func(SaveState)

	mu          sync.Mutex
	state       SaveState
	snapshot    DocumentSnapshot
	inFlight    int
	revertTimer *time.Timer
	revertGen   uint64
	closed      bool
}

func NewPersister(client RemoteClient, snapshot DocumentSnapshot, opts PersisterOptions) *Persister {
	if opts.SavedDisplay <= 0 {
		opts.SavedDisplay = DefaultSavedDisplay
	}
	return &Persister{
		client:        client,
		notifier:      opts.Notifier,
		store:         opts.Store,
		logger:        logging.OrNop(opts.Logger),
		metrics:       opts.Metrics,
		savedDisplay:  opts.SavedDisplay,
		onStateChange: opts.OnStateChange,
		snapshot:      snapshot,
	}
}

func (p *Persister) State() SaveState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Persister) Snapshot() DocumentSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshot
}

// ObserveRemote moves the content baseline to content applied from another
// editor, so later no-op checks compare against what the server now holds.
func (p *Persister) ObserveRemote(content string) {
	p.mu.Lock()
	p.snapshot.Content = content
	p.mu.Unlock()
}

// Save persists patch. It returns ErrNoChanges without any request when the
// patched field already equals the synced value.
func (p *Persister) Save(ctx context.Context, documentID string, patch Patch) (DocumentSnapshot, error) {
	if err := patch.validate(); err != nil {
		return DocumentSnapshot{}, err
	}
	field := patch.field()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return DocumentSnapshot{}, ErrClosed
	}
	if (patch.Content != nil && *patch.Content == p.snapshot.Content) ||
		(patch.Title != nil && *patch.Title == p.snapshot.Title) {
		p.mu.Unlock()
		p.metrics.save(field, "skipped")
		return DocumentSnapshot{}, ErrNoChanges
	}
	p.inFlight++
	p.stopRevertLocked()
	began := p.setStateLocked(p.state.Begin())
	p.mu.Unlock()
	p.notifyState(began)

	snapshot, err := p.client.PatchDocument(ctx, documentID, patch)

	p.mu.Lock()
	p.inFlight--
	if p.closed {
		p.mu.Unlock()
		if err != nil {
			return DocumentSnapshot{}, err
		}
		return snapshot, nil
	}
	if err != nil {
		failed := noStateChange
		if p.inFlight == 0 {
			if next, ok := p.state.Fail(); ok {
				failed = p.setStateLocked(next)
			}
		}
		p.mu.Unlock()
		p.notifyState(failed)
		p.metrics.save(field, "error")
		p.logger.Warn(ctx, "save failed", "documentId", documentID, "field", field, "error", err)
		if p.notifier != nil && !errors.Is(err, context.Canceled) {
			p.notifier.Notify(ctx, ErrorNotification(err))
		}
		return DocumentSnapshot{}, err
	}
	p.snapshot = snapshot
	saved := noStateChange
	if p.inFlight == 0 {
		if next, ok := p.state.Succeed(); ok {
			saved = p.setStateLocked(next)
			p.scheduleRevertLocked()
		}
	}
	p.mu.Unlock()
	p.notifyState(saved)
	p.metrics.save(field, "ok")

	if p.store != nil {
		if err := p.store.Save(ctx, snapshot); err != nil {
			p.logger.Warn(ctx, "snapshot cache write failed", "documentId", documentID, "error", err)
		}
	}
	return snapshot, nil
}

// Close cancels the pending Saved revert; no state changes follow.
func (p *Persister) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.stopRevertLocked()
}

func (p *Persister) scheduleRevertLocked() {
	p.stopRevertLocked()
	gen := p.revertGen
	p.revertTimer = time.AfterFunc(p.savedDisplay, func() {
		p.mu.Lock()
		if p.closed || gen != p.revertGen {
			p.mu.Unlock()
			return
		}
		p.revertTimer = nil
		expired := noStateChange
		if next, ok := p.state.Expire(); ok {
			expired = p.setStateLocked(next)
		}
		p.mu.Unlock()
		p.notifyState(expired)
	})
}

func (p *Persister) stopRevertLocked() {
	p.revertGen++
	if p.revertTimer != nil {
		p.revertTimer.Stop()
		p.revertTimer = nil
	}
}

// noStateChange is returned by setStateLocked when the state was already next.
const noStateChange SaveState = -1

// setStateLocked records next and returns it, or noStateChange.
// The hook is run by notifyState once p.mu is released, so it may call back
// into the persister.
func (p *Persister) setStateLocked(next SaveState) SaveState {
	if next == p.state {
		return noStateChange
	}
	p.state = next
	return next
}

func (p *Persister) notifyState(changed SaveState) {
	if changed == noStateChange || p.onStateChange == nil {
		return
	}
	p.onStateChange(changed)
}
