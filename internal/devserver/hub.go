package devserver

import (
	"context"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

type subscriber struct {
	id      string
	subject string
	conn    *websocket.Conn
}

// hub fans frames out to every socket open on a document.
type hub struct {
	writeTimeout time.Duration

	mu   sync.Mutex
	docs map[string]map[*subscriber]struct{}
}

func newHub(writeTimeout time.Duration) *hub {
	return &hub{
		writeTimeout: writeTimeout,
		docs:         map[string]map[*subscriber]struct{}{},
	}
}

func (h *hub) add(documentID string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.docs[documentID]
	if subs == nil {
		subs = map[*subscriber]struct{}{}
		h.docs[documentID] = subs
	}
	subs[sub] = struct{}{}
}

func (h *hub) remove(documentID string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.docs[documentID]
	delete(subs, sub)
	if len(subs) == 0 {
		delete(h.docs, documentID)
	}
}

func (h *hub) count(documentID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.docs[documentID])
}

// broadcast writes data to every subscriber of documentID, the sender
// included, and returns how many writes succeeded.
func (h *hub) broadcast(ctx context.Context, documentID string, data []byte) int {
	h.mu.Lock()
	subs := make([]*subscriber, 0, len(h.docs[documentID]))
	for sub := range h.docs[documentID] {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	delivered := 0
	for _, sub := range subs {
		writeCtx, cancel := context.WithTimeout(ctx, h.writeTimeout)
		err := sub.conn.Write(writeCtx, websocket.MessageText, data)
		cancel()
		if err == nil {
			delivered++
		}
	}
	return delivered
}

func (h *hub) closeAll(reason string) {
	h.mu.Lock()
	var subs []*subscriber
	for _, docSubs := range h.docs {
		for sub := range docSubs {
			subs = append(subs, sub)
		}
	}
	h.mu.Unlock()
	for _, sub := range subs {
		_ = sub.conn.Close(websocket.StatusGoingAway, reason)
	}
}
