// Package instruction carries a one-shot directive into the next generation request.
package instruction

import (
	"fmt"
	"sync"
)

// Channel is a single-slot mailbox. A write replaces any unread instruction and a read
// empties the slot.
type Channel struct {
	mu      sync.Mutex
	text    string
	pending bool
}

func New() *Channel { return &Channel{} }

// Default is the brevity instruction used when no directive was given.
func Default(lastSpeaker string) string {
	return fmt.Sprintf("[Instruction: You are replying to %s. Be brief.]", lastSpeaker)
}

func (c *Channel) SetPending(text string) {
	c.mu.Lock()
	c.text = text
	c.pending = true
	c.mu.Unlock()
}

func (c *Channel) SetDefault(lastSpeaker string) {
	c.SetPending(Default(lastSpeaker))
}

// Consume returns the pending instruction and clears the slot.
func (c *Channel) Consume() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.pending {
		return "", false
	}
	text := c.text
	c.text, c.pending = "", false
	return text, true
}

// Pending reports whether an unread instruction is waiting.
func (c *Channel) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// Clear drops any unread instruction.
func (c *Channel) Clear() {
	c.mu.Lock()
	c.text, c.pending = "", false
	c.mu.Unlock()
}

// Apply consumes the pending instruction and appends it to prompt on its own line.
// The prompt is returned unchanged when the slot is empty.
func (c *Channel) Apply(prompt string) (string, bool) {
	text, ok := c.Consume()
	if !ok || text == "" {
		return prompt, ok
	}
	return prompt + "\n" + text, true
}
