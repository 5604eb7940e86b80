// Package workerws carries the link between the director and the generation worker
// of each session.
//
// The worker sends transcript messages, generation_ended and before_generation
// notifications; the director sends dispatch_turn commands and prompt replies.
package workerws

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
	ws "nhooyr.io/websocket"

	"ensemble/director/internal/logging"
	"ensemble/director/internal/types"
)

// Message is the envelope for both directions.
type Message struct {
	Type      string         `json:"type"`
	TsMs      int64          `json:"ts_ms"`
	SessionID string         `json:"session_id"`
	Seq       int64          `json:"seq"`
	CommandID string         `json:"command_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Field returns payload[key] when it is a string.
func (m Message) Field(key string) string {
	if m.Payload == nil {
		return ""
	}
	s, _ := m.Payload[key].(string)
	return s
}

type Sessions interface {
	GetSession(id string) *types.Session
	AppendEvent(sessionID, typ string, payload map[string]any) types.Event
}

type Verifier interface {
	Verify(token, sessionID string) error
}

type Server struct {
	Store Sessions
	Auth  Verifier
	Reg   *Registry
	// OnMessage is called for every decoded worker message, in arrival order.
	OnMessage func(ctx context.Context, sessionID string, msg Message)

	log *logrus.Entry
}

func NewServer(st Sessions, v Verifier, reg *Registry) *Server {
	return &Server{Store: st, Auth: v, Reg: reg, log: logging.NewLogger("ensemble.workerws")}
}

func (s *Server) HandleWorkerWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		http.Error(w, "missing session_id", http.StatusBadRequest)
		return
	}
	if s.Store.GetSession(sessionID) == nil {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	authz := r.Header.Get("Authorization")
	if !strings.HasPrefix(authz, "Bearer ") {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return
	}
	if err := s.Auth.Verify(strings.TrimPrefix(authz, "Bearer "), sessionID); err != nil {
		s.log.WithError(err).WithField("session_id", sessionID).Warn("worker token rejected")
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	c, err := ws.Accept(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("ws accept")
		return
	}
	log := s.log.WithField("session_id", sessionID)
	if s.Reg.Replace(sessionID, c) {
		s.Store.AppendEvent(sessionID, "worker_replaced", nil)
	}
	s.Store.AppendEvent(sessionID, "worker_connected", nil)
	log.Info("worker connected")

	ctx := r.Context()
	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			break
		}
		if typ != ws.MessageText && typ != ws.MessageBinary {
			continue
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.Store.AppendEvent(sessionID, "worker_msg_invalid", map[string]any{"error": err.Error()})
			continue
		}
		metricWorkerMessages.WithLabelValues(typeLabel(msg.Type)).Inc()
		if s.OnMessage != nil {
			s.OnMessage(ctx, sessionID, msg)
		}
	}
	_ = c.Close(ws.StatusNormalClosure, "done")
	if s.Reg.Remove(sessionID, c) {
		s.Store.AppendEvent(sessionID, "worker_disconnected", nil)
		log.Info("worker disconnected")
	}
}
