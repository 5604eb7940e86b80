package workerws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	ws "nhooyr.io/websocket"
)

var ErrNoWorker = errors.New("no worker attached to session")

// Registry keeps at most one worker connection per session.
type Registry struct {
	mu    sync.Mutex
	conns map[string]*ws.Conn
}

func NewRegistry() *Registry { return &Registry{conns: make(map[string]*ws.Conn)} }

// Replace sets the connection for a session and closes the previous one if present.
// The close handshake runs in the background so a dead worker cannot stall its successor.
func (r *Registry) Replace(sessionID string, c *ws.Conn) (prevClosed bool) {
	r.mu.Lock()
	old := r.conns[sessionID]
	r.conns[sessionID] = c
	r.mu.Unlock()
	if old != nil {
		go func() { _ = old.Close(ws.StatusNormalClosure, "replaced") }()
		prevClosed = true
	}
	return
}

// Remove drops c if it is still the session's connection. A replaced reader
// exiting late must not evict its successor.
func (r *Registry) Remove(sessionID string, c *ws.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[sessionID] != c {
		return false
	}
	delete(r.conns, sessionID)
	return true
}

func (r *Registry) Attached(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns[sessionID] != nil
}

// SendJSON writes v as a text frame to the session's worker.
func (r *Registry) SendJSON(ctx context.Context, sessionID string, v any) error {
	r.mu.Lock()
	c := r.conns[sessionID]
	r.mu.Unlock()
	if c == nil {
		return ErrNoWorker
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Write(ctx, ws.MessageText, b)
}
