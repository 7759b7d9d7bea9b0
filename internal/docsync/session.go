package docsync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaydoc/internal/logging"
)

type SessionOptions struct {
	Client      RemoteClient
	Credentials CredentialSupplier
	// SocketURL is the sync endpoint. Empty disables live updates; edits are
	// still saved.
	SocketURL  string
	HTTPClient *http.Client
	Store      SnapshotStore
	Notifier   Notifier
	Logger     logging.Logger
	Metrics    *Metrics

	ContentQuiet      time.Duration
	TitleQuiet        time.Duration
	ReconnectInterval time.Duration
	SavedDisplay      time.Duration
	SaveTimeout       time.Duration

	// Hooks run on timer or read goroutines and must not block.
	OnContentChange   func(content string)
	OnSaveState       func(SaveState)
	OnConnectionState func(ConnectionState)
	OnFatal           func(err error)
	OnSignOut         func()
}

// Session is one open document in the editor: the local buffer, its
// debounced saves and the live connection, sharing a single lifetime.
type Session struct {
	documentID  string
	opts        SessionOptions
	logger      logging.Logger
	metrics     *Metrics
	credentials CredentialSupplier

	buffer         *Buffer
	persister      *Persister
	conn           *Connection
	contentChanges *Debouncer
	titleChanges   *Debouncer

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	title     string
	fatal     error
	signedOut bool
	closed    bool
}

// Open fetches the document, then starts its live connection.
func Open(ctx context.Context, documentID string, opts SessionOptions) (*Session, error) {
	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		return nil, fmt.Errorf("document id is required")
	}
	if opts.Client == nil {
		return nil, fmt.Errorf("remote client is required")
	}
	if opts.ContentQuiet <= 0 {
		opts.ContentQuiet = DefaultContentQuiet
	}
	if opts.TitleQuiet <= 0 {
		opts.TitleQuiet = DefaultTitleQuiet
	}
	if opts.SaveTimeout <= 0 {
		opts.SaveTimeout = DefaultSaveTimeout
	}
	logger := logging.OrNop(opts.Logger).With("documentId", documentID)

	snapshot, err := opts.Client.GetDocument(ctx, documentID)
	if err != nil {
		if errors.Is(err, ErrSessionExpired) && opts.OnSignOut != nil {
			opts.OnSignOut()
		}
		return nil, fmt.Errorf("load document %s: %w", documentID, err)
	}
	if snapshot.DocumentID == "" {
		snapshot.DocumentID = documentID
	}
	if opts.Store != nil {
		if err := opts.Store.Save(ctx, snapshot); err != nil {
			logger.Warn(ctx, "snapshot cache write failed", "error", err)
		}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Session{
		documentID:  documentID,
		opts:        opts,
		logger:      logger,
		metrics:     opts.Metrics,
		credentials: opts.Credentials,
		title:       snapshot.Title,
		ctx:         runCtx,
		cancel:      cancel,
	}
	s.buffer = NewBuffer(documentID, snapshot.Content, logger, opts.Metrics)
	s.persister = NewPersister(opts.Client, snapshot, PersisterOptions{
		Notifier:      opts.Notifier,
		Store:         opts.Store,
		Logger:        logger,
		Metrics:       opts.Metrics,
		SavedDisplay:  opts.SavedDisplay,
		OnStateChange: opts.OnSaveState,
	})
	s.contentChanges = NewDebouncer(opts.ContentQuiet, s.commitContent)
	s.contentChanges.Reset(snapshot.Content)
	s.titleChanges = NewDebouncer(opts.TitleQuiet, s.commitTitle)
	s.titleChanges.Reset(snapshot.Title)

	if strings.TrimSpace(opts.SocketURL) == "" {
		logger.Info(ctx, "no socket url; live updates disabled")
		return s, nil
	}
	conn, err := NewConnection(ConnectionOptions{
		URL:               opts.SocketURL,
		DocumentID:        documentID,
		Credentials:       opts.Credentials,
		HTTPClient:        opts.HTTPClient,
		ReconnectInterval: opts.ReconnectInterval,
		Logger:            opts.Logger,
		Metrics:           opts.Metrics,
		OnStateChange:     opts.OnConnectionState,
		OnError:           s.connectionError,
	})
	if err != nil {
		cancel()
		s.persister.Close()
		return nil, err
	}
	s.conn = conn
	conn.Subscribe(s.handleFrame)
	conn.Connect(runCtx)
	return s, nil
}

func (s *Session) DocumentID() string {
	return s.documentID
}

// SetContent records a local edit. It is saved once the content debounce
// window passes without another edit.
func (s *Session) SetContent(content string) error {
	if s.isClosed() {
		return ErrClosed
	}
	s.buffer.Edit(content)
	s.contentChanges.Edit(content)
	return nil
}

// SetTitle validates title locally and schedules its save. An invalid title
// is rejected with an error matching ErrValidation and nothing is sent.
func (s *Session) SetTitle(title string) error {
	if err := ValidateTitle(title); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.title = title
	s.mu.Unlock()
	s.titleChanges.Edit(title)
	return nil
}

func (s *Session) Content() string {
	return s.buffer.Content()
}

func (s *Session) Title() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.title
}

func (s *Session) SaveState() SaveState {
	return s.persister.State()
}

// SavedLabel is "", "Saving..." or "Saved.".
func (s *Session) SavedLabel() string {
	return s.persister.State().Label()
}

// Err is the text of the fatal error shown in place of the editor, or ""
// while the session is healthy.
func (s *Session) Err() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fatal == nil {
		return ""
	}
	return s.fatal.Error()
}

func (s *Session) SignedOut() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signedOut
}

// Snapshot is the last document state confirmed by the backend.
func (s *Session) Snapshot() DocumentSnapshot {
	return s.persister.Snapshot()
}

func (s *Session) ConnectionState() ConnectionState {
	if s.conn == nil {
		return ConnectionClosed
	}
	return s.conn.State()
}

// Flush commits pending edits now instead of waiting out their debounce.
func (s *Session) Flush() {
	if s.isClosed() {
		return
	}
	s.titleChanges.Flush()
	s.contentChanges.Flush()
}

// Close tears the session down. Pending edits are dropped and no hook fires
// afterwards; call Flush first to keep them.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.contentChanges.Stop()
	s.titleChanges.Stop()
	s.cancel()
	s.persister.Close()
	if s.conn != nil {
		s.conn.Close()
	}
}

func (s *Session) commitContent(content string) {
	if s.isClosed() {
		return
	}
	s.metrics.commit("content")
	if content == s.buffer.LastSynced() {
		return
	}
	if s.conn != nil {
		s.conn.Send(s.ctx, SyncUpdate(s.documentID, content))
	}
	s.buffer.NoteOutboundSend(content)

	ctx, cancel := context.WithTimeout(s.ctx, s.opts.SaveTimeout)
	defer cancel()
	saved, err := s.persister.Save(ctx, s.documentID, ContentPatch(content))
	switch {
	case err == nil:
		s.buffer.MarkSynced(saved.Content)
	case errors.Is(err, ErrNoChanges):
		s.buffer.MarkSynced(content)
	default:
		s.saveFailed(err)
	}
}

func (s *Session) commitTitle(title string) {
	if s.isClosed() {
		return
	}
	s.metrics.commit("title")
	ctx, cancel := context.WithTimeout(s.ctx, s.opts.SaveTimeout)
	defer cancel()
	if _, err := s.persister.Save(ctx, s.documentID, TitlePatch(title)); err != nil && !errors.Is(err, ErrNoChanges) {
		s.saveFailed(err)
	}
}

func (s *Session) saveFailed(err error) {
	if !errors.Is(err, ErrSessionExpired) {
		return
	}
	s.mu.Lock()
	if s.closed || s.signedOut {
		s.mu.Unlock()
		return
	}
	s.signedOut = true
	s.mu.Unlock()
	s.logger.Warn(s.ctx, "session expired; signed out")
	if s.opts.OnSignOut != nil {
		s.opts.OnSignOut()
	}
}

func (s *Session) handleFrame(msg Message) {
	if s.isClosed() {
		return
	}
	applied, err := s.buffer.ApplyInbound(s.ctx, msg)
	if err != nil {
		s.logger.Debug(s.ctx, "inbound frame ignored", "error", err)
		return
	}
	if !applied {
		return
	}
	s.contentChanges.Reset(msg.Update)
	s.persister.ObserveRemote(msg.Update)
	if s.opts.OnContentChange != nil && !s.isClosed() {
		s.opts.OnContentChange(msg.Update)
	}
}

func (s *Session) connectionError(err error, initial bool) {
	if !initial {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.fatal = err
	s.mu.Unlock()
	if s.opts.OnFatal != nil {
		s.opts.OnFatal(err)
	}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
