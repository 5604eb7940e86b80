// Package loop runs one floor.Manager per session and connects it to the session's
// generation worker.
package loop

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"ensemble/director/internal/floor"
	"ensemble/director/internal/logging"
	"ensemble/director/internal/store"
	"ensemble/director/internal/types"
	"ensemble/director/internal/workerws"
)

const sendTimeout = 5 * time.Second

var ErrClosed = errors.New("dispatcher closed")

// Sender delivers commands to a session's worker.
type Sender interface {
	SendJSON(ctx context.Context, sessionID string, v any) error
}

type Dispatcher struct {
	sender   Sender
	store    *store.Store
	defaults floor.SettingsSource
	settle   time.Duration
	opts     []floor.Option
	log      *logrus.Entry

	mu       sync.Mutex
	sessions map[string]*sessState
	closed   bool
}

type sessState struct {
	mgr   *floor.Manager
	host  *workerHost
	timer *time.Timer
}

// SessionState is a read-only view of one session's scheduler.
type SessionState struct {
	SessionID          string               `json:"session_id"`
	Phase              floor.State          `json:"phase"`
	Settings           floor.Settings       `json:"settings"`
	Scheduler          floor.SchedulerState `json:"scheduler"`
	InstructionPending bool                 `json:"instruction_pending"`
	LastCommandID      string               `json:"last_command_id,omitempty"`
}

// New builds a Dispatcher. settle is the debounce applied to generation_ended; zero
// or less runs each pass synchronously. opts are passed to every Manager.
func New(sender Sender, st *store.Store, defaults floor.SettingsSource, settle time.Duration, opts ...floor.Option) *Dispatcher {
	return &Dispatcher{
		sender:   sender,
		store:    st,
		defaults: defaults,
		settle:   settle,
		opts:     opts,
		log:      logging.NewLogger("ensemble.loop"),
		sessions: make(map[string]*sessState),
	}
}

func (d *Dispatcher) state(sessionID string) (*sessState, error) {
	if d.store.GetSession(sessionID) == nil {
		return nil, store.ErrUnknownSession
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.sessions[sessionID]
	if s == nil {
		h := &workerHost{sessionID: sessionID, sender: d.sender, store: d.store}
		opts := append([]floor.Option{
			floor.WithLogger(d.log.WithField("session_id", sessionID)),
			floor.WithObserver(func(trigger string, dec floor.Decision) { d.record(sessionID, trigger, dec) }),
		}, d.opts...)
		mgr := floor.New(d.store.Conversation(sessionID), settingsView{d: d, id: sessionID}, h, opts...)
		s = &sessState{mgr: mgr, host: h}
		d.sessions[sessionID] = s
	}
	return s, nil
}

// AppendMessage stores msg in the session transcript and lets the scheduler observe it.
func (d *Dispatcher) AppendMessage(sessionID string, msg types.Message) (types.Message, error) {
	s, err := d.state(sessionID)
	if err != nil {
		return types.Message{}, err
	}
	saved, err := d.store.AppendMessage(sessionID, msg)
	if err != nil {
		return types.Message{}, err
	}
	s.mgr.ObserveMessage(saved)
	return saved, nil
}

// GenerationEnded schedules an automatic-continuation pass. With a settle delay the
// pass runs after the delay; a newer notification restarts the delay. Outcomes are
// recorded in the session's event log.
func (d *Dispatcher) GenerationEnded(ctx context.Context, sessionID string) error {
	s, err := d.state(sessionID)
	if err != nil {
		return err
	}
	if d.settle <= 0 {
		s.host.fireEnded(ctx)
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(d.settle, func() {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		s.host.fireEnded(ctx)
	})
	return nil
}

// Direct forces a turn now. An empty targetID picks the best eligible candidate.
func (d *Dispatcher) Direct(ctx context.Context, sessionID, text, targetID string) (floor.Decision, error) {
	s, err := d.state(sessionID)
	if err != nil {
		return floor.Decision{}, err
	}
	d.store.AppendEvent(sessionID, "directive", map[string]any{"instruction": text, "target_id": targetID})
	return s.mgr.Direct(ctx, text, targetID), nil
}

// QueueOverride stores a directive for the next generation-ended pass.
func (d *Dispatcher) QueueOverride(sessionID string, o floor.Override) error {
	s, err := d.state(sessionID)
	if err != nil {
		return err
	}
	s.mgr.QueueOverride(o)
	d.store.AppendEvent(sessionID, "override_queued", map[string]any{"instruction": o.Instruction, "target_id": o.TargetID})
	return nil
}

func (d *Dispatcher) ClearOverride(sessionID string) (bool, error) {
	s, err := d.state(sessionID)
	if err != nil {
		return false, err
	}
	return s.mgr.ClearOverride(), nil
}

// BeforeGeneration returns prompt with the pending instruction appended, consuming it.
func (d *Dispatcher) BeforeGeneration(sessionID, prompt string) (string, error) {
	s, err := d.state(sessionID)
	if err != nil {
		return "", err
	}
	return s.host.fireBefore(prompt), nil
}

func (d *Dispatcher) Snapshot(sessionID string) (SessionState, error) {
	s, err := d.state(sessionID)
	if err != nil {
		return SessionState{}, err
	}
	return SessionState{
		SessionID:          sessionID,
		Phase:              s.mgr.Phase(),
		Settings:           settingsView{d: d, id: sessionID}.Settings(),
		Scheduler:          s.mgr.Snapshot(),
		InstructionPending: s.mgr.Channel().Pending(),
		LastCommandID:      s.host.lastCommand(),
	}, nil
}

// OnMessage handles one message from a session's worker.
func (d *Dispatcher) OnMessage(ctx context.Context, sessionID string, msg workerws.Message) {
	s, err := d.state(sessionID)
	if err != nil {
		d.log.WithError(err).WithField("session_id", sessionID).Warn("worker message for unknown session")
		return
	}
	log := d.log.WithFields(logrus.Fields{"session_id": sessionID, "type": msg.Type})

	switch msg.Type {
	case "message":
		m := types.Message{
			SpeakerID:   msg.Field("speaker_id"),
			SpeakerName: msg.Field("speaker_name"),
			Text:        msg.Field("text"),
		}
		if _, err := d.AppendMessage(sessionID, m); err != nil {
			log.WithError(err).Warn("dropping transcript message")
			d.store.AppendEvent(sessionID, "worker_msg_invalid", map[string]any{"error": err.Error()})
		}
	case "generation_ended":
		if err := d.GenerationEnded(ctx, sessionID); err != nil {
			log.WithError(err).Warn("generation_ended")
		}
	case "before_generation":
		out := s.host.fireBefore(msg.Field("prompt"))
		reply := workerws.Message{
			Type:      "prompt",
			TsMs:      time.Now().UnixMilli(),
			SessionID: sessionID,
			CommandID: msg.CommandID,
			Payload:   map[string]any{"prompt": out},
		}
		sctx, cancel := context.WithTimeout(ctx, sendTimeout)
		defer cancel()
		if err := d.sender.SendJSON(sctx, sessionID, reply); err != nil {
			log.WithError(err).Warn("prompt reply failed")
		}
	case "cmd_ack":
		payload := map[string]any{"command_id": msg.CommandID}
		if msg.CommandID == "" || msg.CommandID != s.host.lastCommand() {
			payload["note"] = "unexpected"
		}
		d.store.AppendEvent(sessionID, "cmd_ack", payload)
	case "worker_hello":
		// A fresh worker has no generation in flight for a previously selected turn.
		s.mgr.Channel().Clear()
		d.store.AppendEvent(sessionID, "worker_hello", nil)
	default:
		log.Debug("ignoring worker message")
	}
}

// Close stops pending debounced passes.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	for _, s := range d.sessions {
		if s.timer != nil {
			s.timer.Stop()
		}
	}
}

func (d *Dispatcher) record(sessionID, trigger string, dec floor.Decision) {
	payload := map[string]any{
		"trigger":         trigger,
		"reason":          dec.Reason,
		"auto_turn_count": dec.AutoTurnCount,
	}
	if dec.CandidateID != "" {
		payload["candidate_id"] = dec.CandidateID
		payload["score"] = dec.Score
	}
	switch dec.State {
	case floor.Selected:
		payload["instruction"] = dec.Instruction
		d.store.AppendEvent(sessionID, "turn_dispatched", payload)
	case floor.Suppressed:
		if dec.Err != nil {
			payload["error"] = dec.Err.Error()
		}
		d.store.AppendEvent(sessionID, "turn_suppressed", payload)
	}
}

// settingsView prefers a per-session override over the live defaults.
type settingsView struct {
	d  *Dispatcher
	id string
}

func (v settingsView) Settings() floor.Settings {
	if s, ok := v.d.store.Settings(v.id); ok {
		return s
	}
	return v.d.defaults.Settings()
}
