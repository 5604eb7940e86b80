package loop

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"ensemble/director/internal/store"
	"ensemble/director/internal/workerws"
)

// workerHost is the floor.Host for one session: turns go out as dispatch_turn
// commands and the worker's notifications come back through the registered hooks.
type workerHost struct {
	sessionID string
	sender    Sender
	store     *store.Store

	mu      sync.Mutex
	ended   func(ctx context.Context)
	before  func(prompt string) string
	lastCmd string
}

func (h *workerHost) DispatchTurn(ctx context.Context, candidateID, instruction string) error {
	cmdID := uuid.NewString()
	out := workerws.Message{
		Type:      "dispatch_turn",
		TsMs:      time.Now().UnixMilli(),
		SessionID: h.sessionID,
		CommandID: cmdID,
		Payload:   map[string]any{"candidate_id": candidateID},
	}
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	if err := h.sender.SendJSON(ctx, h.sessionID, out); err != nil {
		metricSends.WithLabelValues("error").Inc()
		return err
	}
	metricSends.WithLabelValues("ok").Inc()
	h.mu.Lock()
	h.lastCmd = cmdID
	h.mu.Unlock()
	h.store.AppendEvent(h.sessionID, "dispatch_turn_sent", map[string]any{"command_id": cmdID, "candidate_id": candidateID})
	return nil
}

func (h *workerHost) OnGenerationEnded(fn func(ctx context.Context)) {
	h.mu.Lock()
	h.ended = fn
	h.mu.Unlock()
}

func (h *workerHost) OnBeforeGeneration(fn func(prompt string) string) {
	h.mu.Lock()
	h.before = fn
	h.mu.Unlock()
}

func (h *workerHost) fireEnded(ctx context.Context) {
	h.mu.Lock()
	fn := h.ended
	h.mu.Unlock()
	if fn != nil {
		fn(ctx)
	}
}

func (h *workerHost) fireBefore(prompt string) string {
	h.mu.Lock()
	fn := h.before
	h.mu.Unlock()
	if fn == nil {
		return prompt
	}
	return fn(prompt)
}

func (h *workerHost) lastCommand() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastCmd
}
