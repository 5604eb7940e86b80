package store

import (
	"errors"
	"sort"
	"sync"
	"time"

	"ensemble/director/internal/floor"
	"ensemble/director/internal/types"
)

var (
	ErrSessionExists  = errors.New("session already exists")
	ErrUnknownSession = errors.New("unknown session")
	ErrEmptySpeaker   = errors.New("message has no speaker")
)

const maxEvents = 200

type Store struct {
	mu          sync.RWMutex
	sessions    map[string]*types.Session
	transcripts map[string][]types.Message
	events      map[string][]types.Event
	settings    map[string]floor.Settings
	characters  map[string]types.Candidate
}

func New() *Store {
	return &Store{
		sessions:    make(map[string]*types.Session),
		transcripts: make(map[string][]types.Message),
		events:      make(map[string][]types.Event),
		settings:    make(map[string]floor.Settings),
		characters:  make(map[string]types.Candidate),
	}
}

func (s *Store) CreateSession(sess *types.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; ok {
		return ErrSessionExists
	}
	s.sessions[sess.ID] = sess
	s.transcripts[sess.ID] = nil
	s.events[sess.ID] = []types.Event{}
	return nil
}

// GetSession returns a copy of the session, or nil.
func (s *Store) GetSession(id string) *types.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess := s.sessions[id]
	if sess == nil {
		return nil
	}
	cp := *sess
	cp.Members = append([]string(nil), sess.Members...)
	return &cp
}

// ListSessionIDs returns the session ids in lexical order.
func (s *Store) ListSessionIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// SetMembers replaces the roster of a session. Order is preserved and breaks score ties.
func (s *Store) SetMembers(sessionID string, members []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrUnknownSession
	}
	sess.Members = append([]string(nil), members...)
	return nil
}

// AppendMessage assigns the next position and appends msg to the transcript.
func (s *Store) AppendMessage(sessionID string, msg types.Message) (types.Message, error) {
	if msg.SpeakerID == "" {
		return types.Message{}, ErrEmptySpeaker
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return types.Message{}, ErrUnknownSession
	}
	t := s.transcripts[sessionID]
	msg.Position = int64(len(t))
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.SpeakerName == "" {
		if c, ok := s.characters[msg.SpeakerID]; ok {
			msg.SpeakerName = c.Name
		}
	}
	s.transcripts[sessionID] = append(t, msg)
	return msg, nil
}

func (s *Store) Transcript(sessionID string) []types.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.transcripts[sessionID]
	out := make([]types.Message, len(src))
	copy(out, src)
	return out
}

// PutCharacter adds or replaces a catalog entry keyed by its ID.
func (s *Store) PutCharacter(c types.Candidate) {
	s.mu.Lock()
	s.characters[c.ID] = c
	s.mu.Unlock()
}

func (s *Store) Character(id string) (types.Candidate, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.characters[id]
	return c, ok
}

func (s *Store) ListCharacters() []types.Candidate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Candidate, 0, len(s.characters))
	for _, c := range s.characters {
		out = append(out, c)
	}
	return out
}

// SetSettings stores a per-session settings override.
func (s *Store) SetSettings(sessionID string, st floor.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return ErrUnknownSession
	}
	s.settings[sessionID] = st
	return nil
}

// Settings returns the per-session override, if one was set.
func (s *Store) Settings(sessionID string) (floor.Settings, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.settings[sessionID]
	return st, ok
}

func (s *Store) AppendEvent(sessionID, typ string, payload map[string]any) types.Event {
	evt := types.Event{Type: typ, Ts: time.Now().UTC(), Payload: payload}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[sessionID] = append(s.events[sessionID], evt)
	// Keep the newest maxEvents-1 events plus one truncation marker.
	if l := len(s.events[sessionID]); l > maxEvents {
		keep := maxEvents - 1
		dropped := l - keep
		s.events[sessionID] = append([]types.Event(nil), s.events[sessionID][l-keep:]...)
		warn := types.Event{Type: "events_truncated", Ts: time.Now().UTC(), Payload: map[string]any{"session_id": sessionID, "dropped": dropped, "kept": keep}}
		s.events[sessionID] = append(s.events[sessionID], warn)
	}
	return evt
}

func (s *Store) ListEvents(sessionID string) []types.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.events[sessionID]
	out := make([]types.Event, len(src))
	copy(out, src)
	return out
}

// Conversation returns a read-only view of one session for the scheduler.
func (s *Store) Conversation(sessionID string) floor.Conversation {
	return conversation{s: s, id: sessionID}
}

type conversation struct {
	s  *Store
	id string
}

func (c conversation) Transcript() []types.Message { return c.s.Transcript(c.id) }

func (c conversation) Group() ([]string, bool) {
	sess := c.s.GetSession(c.id)
	if sess == nil || !sess.Group {
		return nil, false
	}
	return sess.Members, true
}

func (c conversation) Resolve(ref string) (types.Candidate, bool) { return c.s.Character(ref) }
