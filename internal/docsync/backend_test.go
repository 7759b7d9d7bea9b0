package docsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// fakeBackend serves the document routes and the sync socket for one
// document, recording everything clients send.
type fakeBackend struct {
	server *httptest.Server

	mu             sync.Mutex
	doc            DocumentSnapshot
	patches        []Patch
	patchCalls     int
	patchStatuses  []int
	authHeaders    []string
	socketTokens   []string
	handshakes     []time.Time
	socketReject   int
	socketRejected int
	conns          []*websocket.Conn
	frames         []Message
	echo           bool
	normalize      func(string) string
}

func newFakeBackend(t *testing.T, doc DocumentSnapshot) *fakeBackend {
	t.Helper()
	b := &fakeBackend{doc: doc, echo: true}
	mux := http.NewServeMux()
	mux.HandleFunc("/documents/", b.handleDocument)
	mux.HandleFunc("/ws", b.handleSocket)
	b.server = httptest.NewServer(mux)
	t.Cleanup(func() {
		b.dropAll()
		b.server.Close()
	})
	return b
}

func (b *fakeBackend) socketURL() string {
	return "ws" + strings.TrimPrefix(b.server.URL, "http") + "/ws"
}

func (b *fakeBackend) handleDocument(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/documents/")
	b.mu.Lock()
	b.authHeaders = append(b.authHeaders, r.Header.Get("Authorization"))
	if id != b.doc.DocumentID {
		b.mu.Unlock()
		writeTestJSON(w, http.StatusNotFound, map[string]string{"code": "not_found", "message": "Document not found."})
		return
	}
	switch r.Method {
	case http.MethodGet:
		doc := b.doc
		b.mu.Unlock()
		writeTestJSON(w, http.StatusOK, doc)
	case http.MethodPatch:
		b.patchCalls++
		if len(b.patchStatuses) > 0 {
			status := b.patchStatuses[0]
			b.patchStatuses = b.patchStatuses[1:]
			b.mu.Unlock()
			writeTestJSON(w, status, map[string]string{"code": "rejected", "message": http.StatusText(status)})
			return
		}
		var patch Patch
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			b.mu.Unlock()
			writeTestJSON(w, http.StatusBadRequest, map[string]string{"code": "bad_request", "message": err.Error()})
			return
		}
		b.patches = append(b.patches, patch)
		if patch.Title != nil {
			b.doc.Title = *patch.Title
		}
		if patch.Content != nil {
			b.doc.Content = *patch.Content
			if b.normalize != nil {
				b.doc.Content = b.normalize(b.doc.Content)
			}
		}
		b.doc.UpdatedAt = time.Now().UTC()
		doc := b.doc
		b.mu.Unlock()
		writeTestJSON(w, http.StatusOK, map[string]any{"document": doc})
	default:
		b.mu.Unlock()
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (b *fakeBackend) handleSocket(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	b.socketTokens = append(b.socketTokens, r.URL.Query().Get("token"))
	b.handshakes = append(b.handshakes, time.Now())
	if b.socketRejected < b.socketReject {
		b.socketRejected++
		b.mu.Unlock()
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	b.mu.Unlock()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	b.mu.Lock()
	b.conns = append(b.conns, conn)
	b.mu.Unlock()

	ctx := context.Background()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		b.mu.Lock()
		b.frames = append(b.frames, msg)
		echo := b.echo
		b.mu.Unlock()
		if echo {
			b.broadcastRaw(data)
		}
	}
}

func (b *fakeBackend) push(t *testing.T, msg Message) {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	b.broadcastRaw(data)
}

func (b *fakeBackend) pushRaw(raw string) {
	b.broadcastRaw([]byte(raw))
}

func (b *fakeBackend) broadcastRaw(data []byte) {
	b.mu.Lock()
	conns := append([]*websocket.Conn{}, b.conns...)
	b.mu.Unlock()
	for _, conn := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = conn.Write(ctx, websocket.MessageText, data)
		cancel()
	}
}

// dropAll closes every open socket from the server side.
func (b *fakeBackend) dropAll() {
	b.mu.Lock()
	conns := b.conns
	b.conns = nil
	b.mu.Unlock()
	for _, conn := range conns {
		_ = conn.Close(websocket.StatusGoingAway, "restart")
	}
}

func (b *fakeBackend) setEcho(echo bool) {
	b.mu.Lock()
	b.echo = echo
	b.mu.Unlock()
}

// rejectSockets makes the next n handshakes fail with 503.
func (b *fakeBackend) rejectSockets(n int) {
	b.mu.Lock()
	b.socketReject = b.socketRejected + n
	b.mu.Unlock()
}

func (b *fakeBackend) openConns() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

func (b *fakeBackend) snapshot() DocumentSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.doc
}

func (b *fakeBackend) recordedPatches() []Patch {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Patch{}, b.patches...)
}

func (b *fakeBackend) recordedFrames() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message{}, b.frames...)
}

func (b *fakeBackend) recordedTokens() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string{}, b.socketTokens...)
}

func (b *fakeBackend) handshakeTimes() []time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]time.Time{}, b.handshakes...)
}

// normalizeContent makes PATCH store and return fn(content) instead of the
// submitted content.
func (b *fakeBackend) normalizeContent(fn func(string) string) {
	b.mu.Lock()
	b.normalize = fn
	b.mu.Unlock()
}

func (b *fakeBackend) failNextPatches(statuses ...int) {
	b.mu.Lock()
	b.patchStatuses = append(b.patchStatuses, statuses...)
	b.mu.Unlock()
}

func (b *fakeBackend) totalPatchCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.patchCalls
}

func writeTestJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// countingSupplier issues a new token on every request so tests can tell
// handshakes apart.
type countingSupplier struct {
	mu         sync.Mutex
	issued     int
	refreshes  int
	cleared    int
	refreshErr error
}

func (s *countingSupplier) Credential(context.Context) (Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.issued++
	return Credential{Token: fmt.Sprintf("token-%d", s.issued)}, nil
}

func (s *countingSupplier) Refresh(context.Context) (Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshes++
	if s.refreshErr != nil {
		return Credential{}, s.refreshErr
	}
	s.issued++
	return Credential{Token: fmt.Sprintf("token-%d", s.issued)}, nil
}

func (s *countingSupplier) Clear(context.Context) {
	s.mu.Lock()
	s.cleared++
	s.mu.Unlock()
}

func (s *countingSupplier) counts() (refreshes, cleared int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshes, s.cleared
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []Notification
}

func (n *recordingNotifier) Notify(_ context.Context, note Notification) {
	n.mu.Lock()
	n.notes = append(n.notes, note)
	n.mu.Unlock()
}

func (n *recordingNotifier) all() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification{}, n.notes...)
}

func testDocument() DocumentSnapshot {
	return DocumentSnapshot{
		DocumentID: "doc-1",
		Title:      "Draft",
		Content:    "<p>hello</p>",
		AuthorID:   "user-1",
		Editors:    []string{"user-1"},
		UpdatedAt:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}
