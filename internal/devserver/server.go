// Package devserver is an in-memory document backend for local
// development and tests: the document routes, token refresh and the sync
// socket that editors connect to.
package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/agentworkforce/relaydoc/internal/docsync"
	"github.com/agentworkforce/relaydoc/internal/logging"
)

type Config struct {
	JWTSecret    string
	AccessTTL    time.Duration
	PingInterval time.Duration
	WriteTimeout time.Duration
	MaxBodyBytes int64
	Logger       logging.Logger
	Metrics      *Metrics
	Now          func() time.Time
}

type Server struct {
	cfg    Config
	logger logging.Logger
	hub    *hub

	mu        sync.Mutex
	documents map[string]docsync.DocumentSnapshot
	refresh   map[string]string
}

func New(cfg Config) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = 15 * time.Minute
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 25 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Server{
		cfg:       cfg,
		logger:    logging.OrNop(cfg.Logger),
		hub:       newHub(cfg.WriteTimeout),
		documents: map[string]docsync.DocumentSnapshot{},
		refresh:   map[string]string{},
	}
}

// IssueSession mints an access token and a refresh token for subject.
func (s *Server) IssueSession(subject string) (accessToken, refreshToken string, err error) {
	accessToken, err = IssueToken(s.cfg.JWTSecret, subject, s.cfg.AccessTTL, s.cfg.Now())
	if err != nil {
		return "", "", err
	}
	refreshToken = newRefreshToken()
	s.mu.Lock()
	s.refresh[refreshToken] = subject
	s.mu.Unlock()
	return accessToken, refreshToken, nil
}

// Put stores doc as is, replacing any document with the same id.
func (s *Server) Put(doc docsync.DocumentSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.documents[doc.DocumentID] = cloneDocument(doc)
}

func (s *Server) Document(documentID string) (docsync.DocumentSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.documents[documentID]
	return cloneDocument(doc), ok
}

// Subscribers reports how many sockets are open on documentID.
func (s *Server) Subscribers(documentID string) int {
	return s.hub.count(documentID)
}

// Close drops every open socket.
func (s *Server) Close() {
	s.hub.closeAll("server shutting down")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/ws" && r.Method == http.MethodGet {
		s.handleSocket(w, r)
		return
	}

	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	route := s.route(rec, r)
	s.cfg.Metrics.request(route, rec.status)
}

func (s *Server) route(w http.ResponseWriter, r *http.Request) string {
	correlationID := getCorrelationID(r)
	if r.URL.Path == "/auth/refresh" && r.Method == http.MethodPost {
		s.handleRefresh(w, r, correlationID)
		return "auth_refresh"
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	var route string
	switch {
	case len(parts) == 2 && parts[0] == "documents" && parts[1] == "new" && r.Method == http.MethodPost:
		route = "create_document"
	case len(parts) == 2 && parts[0] == "documents" && parts[1] != "" && r.Method == http.MethodGet:
		route = "get_document"
	case len(parts) == 2 && parts[0] == "documents" && parts[1] != "" && r.Method == http.MethodPatch:
		route = "patch_document"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return "not_found"
	}

	subject, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, s.cfg.Now())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return route
	}

	switch route {
	case "create_document":
		s.handleCreate(w, subject)
	case "get_document":
		s.handleGet(w, parts[1], correlationID)
	case "patch_document":
		s.handlePatch(w, r, parts[1], subject, correlationID)
	}
	return route
}

func (s *Server) handleCreate(w http.ResponseWriter, subject string) {
	doc := docsync.DocumentSnapshot{
		DocumentID: uuid.NewString(),
		Title:      "Untitled",
		Content:    "",
		AuthorID:   subject,
		Editors:    []string{subject},
		UpdatedAt:  s.cfg.Now().UTC(),
	}
	s.Put(doc)
	writeJSON(w, http.StatusCreated, map[string]string{"documentId": doc.DocumentID})
}

func (s *Server) handleGet(w http.ResponseWriter, documentID, correlationID string) {
	doc, ok := s.Document(documentID)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "document not found", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handlePatch(w http.ResponseWriter, r *http.Request, documentID, subject, correlationID string) {
	var patch docsync.Patch
	if !s.decodeJSONBody(w, r, correlationID, &patch) {
		return
	}
	if patch.Title == nil && patch.Content == nil {
		writeError(w, http.StatusBadRequest, "bad_request", "title or content is required", correlationID)
		return
	}
	if patch.Title != nil {
		if err := docsync.ValidateTitle(*patch.Title); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_title", err.Error(), correlationID)
			return
		}
	}

	s.mu.Lock()
	doc, ok := s.documents[documentID]
	if !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "not_found", "document not found", correlationID)
		return
	}
	if patch.Title != nil {
		doc.Title = *patch.Title
	}
	if patch.Content != nil {
		doc.Content = *patch.Content
	}
	if !containsString(doc.Editors, subject) {
		doc.Editors = append(append([]string(nil), doc.Editors...), subject)
	}
	doc.UpdatedAt = s.cfg.Now().UTC()
	s.documents[documentID] = doc
	out := cloneDocument(doc)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"document": out})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request, correlationID string) {
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	s.mu.Lock()
	subject, ok := s.refresh[body.RefreshToken]
	if ok {
		delete(s.refresh, body.RefreshToken)
	}
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid refresh token", correlationID)
		return
	}
	access, refresh, err := s.IssueSession(subject)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"accessToken": access, "refreshToken": refresh})
}

// handleSocket serves /ws?token=...&documentId=.... Each sync-update a
// subscriber sends is relayed to every subscriber of the document.
func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	documentID := strings.TrimSpace(query.Get("documentId"))
	subject, authErr := parseToken(strings.TrimSpace(query.Get("token")), s.cfg.JWTSecret, s.cfg.Now())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	if _, ok := s.Document(documentID); !ok {
		writeError(w, http.StatusNotFound, "not_found", "document not found", getCorrelationID(r))
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.logger.Warn(r.Context(), "websocket accept failed", "error", err)
		return
	}
	conn.SetReadLimit(s.cfg.MaxBodyBytes)

	sub := &subscriber{id: uuid.NewString(), subject: subject, conn: conn}
	s.hub.add(documentID, sub)
	s.cfg.Metrics.socketOpened()
	logger := s.logger.With("documentId", documentID, "subscriber", sub.id)
	logger.Info(r.Context(), "socket open", "subject", subject)

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		s.hub.remove(documentID, sub)
		s.cfg.Metrics.socketClosed()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		logger.Info(ctx, "socket closed")
	}()
	go s.keepalive(ctx, conn)

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		msg, err := docsync.DecodeFrame(data)
		if err != nil {
			logger.Warn(ctx, "malformed frame dropped", "error", err)
			continue
		}
		if msg.Type != docsync.MessageTypeSyncUpdate || msg.DocumentID != documentID {
			continue
		}
		s.cfg.Metrics.broadcast()
		s.hub.broadcast(ctx, documentID, data)
	}
}

func (s *Server) keepalive(ctx context.Context, conn *websocket.Conn) {
	ping, _ := docsync.EncodeFrame(docsync.Message{Type: docsync.MessageTypePing})
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			writeCtx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
			err := conn.Write(writeCtx, websocket.MessageText, ping)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func statusLabel(code int) string {
	return strconv.Itoa(code)
}

func containsString(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

func cloneDocument(doc docsync.DocumentSnapshot) docsync.DocumentSnapshot {
	if doc.Editors != nil {
		doc.Editors = append([]string(nil), doc.Editors...)
	}
	return doc
}
