package types

import "time"

// UserSpeaker is the SpeakerID carried by messages typed by the human operator.
const UserSpeaker = "user"

type Event struct {
	Type    string         `json:"type"`
	Ts      time.Time      `json:"timestamp"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Message is one transcript entry. Position is assigned by the store on append.
type Message struct {
	SpeakerID   string    `json:"speaker_id"`
	SpeakerName string    `json:"speaker_name"`
	Text        string    `json:"text"`
	Position    int64     `json:"position"`
	CreatedAt   time.Time `json:"created_at"`
}

// FromHuman reports whether the message was written by the operator.
func (m Message) FromHuman() bool { return m.SpeakerID == UserSpeaker }

// Candidate is a roster member that may be asked to speak.
type Candidate struct {
	ID           string `json:"id" yaml:"id"`
	Name         string `json:"name" yaml:"name"`
	Description  string `json:"description,omitempty" yaml:"description"`
	FirstMessage string `json:"first_mes,omitempty" yaml:"first_mes"`
}

// ProfileText is the text keyword overlap is checked against.
func (c Candidate) ProfileText() string { return c.Description + c.FirstMessage }

type Session struct {
	ID        string    `json:"session_id"`
	Name      string    `json:"name,omitempty"`
	Group     bool      `json:"group"`
	Members   []string  `json:"members"`
	CreatedAt time.Time `json:"created_at"`
	Status    string    `json:"status"`
}
