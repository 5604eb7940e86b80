package instruction

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConsumeOnce(t *testing.T) {
	c := New()
	c.SetPending("Argue about money")

	got, ok := c.Consume()
	assert.True(t, ok)
	assert.Equal(t, "Argue about money", got)

	got, ok = c.Consume()
	assert.False(t, ok)
	assert.Empty(t, got)
}

func TestLastWriterWins(t *testing.T) {
	c := New()
	c.SetPending("first")
	c.SetPending("second")
	got, _ := c.Consume()
	assert.Equal(t, "second", got)
	assert.False(t, c.Pending())
}

func TestSetDefault(t *testing.T) {
	c := New()
	c.SetDefault("Alice")
	got, ok := c.Consume()
	assert.True(t, ok)
	assert.Equal(t, "[Instruction: You are replying to Alice. Be brief.]", got)
}

func TestApply(t *testing.T) {
	c := New()
	out, ok := c.Apply("PROMPT")
	assert.False(t, ok)
	assert.Equal(t, "PROMPT", out)

	c.SetPending("Be loud.")
	out, ok = c.Apply("PROMPT")
	assert.True(t, ok)
	assert.Equal(t, "PROMPT\nBe loud.", out)

	out, _ = c.Apply("PROMPT")
	assert.Equal(t, "PROMPT", out, "a retried generation must not replay the instruction")
}

func TestClear(t *testing.T) {
	c := New()
	c.SetPending("x")
	c.Clear()
	_, ok := c.Consume()
	assert.False(t, ok)
}

func TestConcurrentConsumeDeliversOnce(t *testing.T) {
	c := New()
	c.SetPending("only once")

	var wg sync.WaitGroup
	var mu sync.Mutex
	delivered := 0
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := c.Consume(); ok {
				mu.Lock()
				delivered++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, delivered)
}
