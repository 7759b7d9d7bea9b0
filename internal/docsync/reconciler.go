package docsync

import (
	"context"
	"fmt"
	"sync"

	"github.com/agentworkforce/relaydoc/internal/logging"
)

// Buffer is the local working copy of a document's content.
//
// Inbound updates are reconciled last-writer-wins: an update byte-equal to
// the current content is discarded as an echo, anything else replaces the
// content outright. Concurrent edits from different writers are not merged.
type Buffer struct {
	documentID string
	logger     logging.Logger
	metrics    *Metrics

	mu         sync.Mutex
	content    string
	lastSynced string
	lastSent   string
	hasSent    bool
}

func NewBuffer(documentID, content string, logger logging.Logger, metrics *Metrics) *Buffer {
	return &Buffer{
		documentID: documentID,
		logger:     logging.OrNop(logger),
		metrics:    metrics,
		content:    content,
		lastSynced: content,
	}
}

func (b *Buffer) Content() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.content
}

func (b *Buffer) LastSynced() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastSynced
}

// Edit records a local keystroke.
func (b *Buffer) Edit(content string) {
	b.mu.Lock()
	b.content = content
	b.mu.Unlock()
}

// Diverged reports whether content differs from the last confirmed content.
func (b *Buffer) Diverged() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.content != b.lastSynced
}

// NoteOutboundSend records content this client just broadcast.
func (b *Buffer) NoteOutboundSend(content string) {
	b.mu.Lock()
	b.lastSent = content
	b.hasSent = true
	b.mu.Unlock()
}

// MarkSynced records content confirmed by a successful save.
func (b *Buffer) MarkSynced(content string) {
	b.mu.Lock()
	b.lastSynced = content
	b.mu.Unlock()
}

// ApplyInbound reconciles one inbound frame and reports whether it changed
// the buffer.
func (b *Buffer) ApplyInbound(ctx context.Context, msg Message) (bool, error) {
	if msg.Type != MessageTypeSyncUpdate {
		b.metrics.dropFrame("type")
		return false, fmt.Errorf("%w: unexpected type %q", ErrMalformedFrame, msg.Type)
	}
	if msg.DocumentID != b.documentID {
		b.metrics.dropFrame("document")
		return false, fmt.Errorf("%w: %s", ErrForeignDocument, msg.DocumentID)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if msg.Update == b.content {
		b.metrics.echo()
		b.logger.Debug(ctx, "inbound update matches local content; discarded",
			"documentId", b.documentID, "ownEcho", b.hasSent && msg.Update == b.lastSent)
		return false, nil
	}
	b.content = msg.Update
	b.lastSynced = msg.Update
	return true, nil
}
