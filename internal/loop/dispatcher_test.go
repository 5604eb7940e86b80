package loop

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"ensemble/director/internal/floor"
	"ensemble/director/internal/instruction"
	"ensemble/director/internal/scorer"
	"ensemble/director/internal/store"
	"ensemble/director/internal/types"
	"ensemble/director/internal/workerws"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSender struct {
	mu   sync.Mutex
	sent []workerws.Message
	err  error
}

func (f *fakeSender) SendJSON(_ context.Context, _ string, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, v.(workerws.Message))
	return nil
}

func (f *fakeSender) ofType(typ string) []workerws.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []workerws.Message
	for _, m := range f.sent {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

// zeroNoise makes every noise draw 0.
type zeroNoise struct{}

func (zeroNoise) IntN(n int) int { return n / 2 }

type staticSettings floor.Settings

func (s staticSettings) Settings() floor.Settings { return floor.Settings(s) }

func setup(t *testing.T, settle time.Duration) (*Dispatcher, *store.Store, *fakeSender) {
	t.Helper()
	st := store.New()
	st.PutCharacter(types.Candidate{ID: "bob", Name: "Bob", Description: "A traveling swordsman."})
	st.PutCharacter(types.Candidate{ID: "alice", Name: "Alice", Description: "A cheerful bard."})
	require.NoError(t, st.CreateSession(&types.Session{ID: "s1", Group: true, Members: []string{"bob", "alice"}}))

	snd := &fakeSender{}
	d := New(snd, st, staticSettings(floor.DefaultSettings()), settle, floor.WithScorer(scorer.New(zeroNoise{})))
	t.Cleanup(d.Close)
	return d, st, snd
}

func enable(t *testing.T, st *store.Store) {
	t.Helper()
	require.NoError(t, st.SetSettings("s1", floor.Settings{Enabled: true, Threshold: 10, Talkativeness: 1, MaxTurns: 5}))
}

func swordsTalk(t *testing.T, d *Dispatcher) {
	t.Helper()
	_, err := d.AppendMessage("s1", types.Message{SpeakerID: types.UserSpeaker, Text: "Let's talk about swords"})
	require.NoError(t, err)
	_, err = d.AppendMessage("s1", types.Message{SpeakerID: "alice", Text: "I agree, swords are great"})
	require.NoError(t, err)
}

func eventTypes(st *store.Store, sessionID string) []string {
	var out []string
	for _, e := range st.ListEvents(sessionID) {
		out = append(out, e.Type)
	}
	return out
}

func TestGenerationEndedDispatchesTurn(t *testing.T) {
	d, st, snd := setup(t, 0)
	enable(t, st)
	swordsTalk(t, d)

	require.NoError(t, d.GenerationEnded(context.Background(), "s1"))

	turns := snd.ofType("dispatch_turn")
	require.Len(t, turns, 1)
	assert.Equal(t, "bob", turns[0].Payload["candidate_id"])
	assert.NotEmpty(t, turns[0].CommandID)
	assert.Contains(t, eventTypes(st, "s1"), "turn_dispatched")

	snap, err := d.Snapshot("s1")
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Scheduler.AutoTurnCount)
	assert.True(t, snap.InstructionPending)
	assert.Equal(t, turns[0].CommandID, snap.LastCommandID)
	assert.Equal(t, floor.Idle, snap.Phase)

	out, err := d.BeforeGeneration("s1", "PROMPT")
	require.NoError(t, err)
	assert.Equal(t, "PROMPT\n"+instruction.Default("Alice"), out)

	out, _ = d.BeforeGeneration("s1", "PROMPT")
	assert.Equal(t, "PROMPT", out, "instruction is consumed once")
}

func TestDefaultsApplyWithoutOverride(t *testing.T) {
	d, _, snd := setup(t, 0)
	swordsTalk(t, d)

	require.NoError(t, d.GenerationEnded(context.Background(), "s1"))
	assert.Empty(t, snd.ofType("dispatch_turn"), "disabled by default")

	snap, err := d.Snapshot("s1")
	require.NoError(t, err)
	assert.False(t, snap.Settings.Enabled)
}

func TestGenerationEndedIsDebounced(t *testing.T) {
	d, st, snd := setup(t, 30*time.Millisecond)
	enable(t, st)
	swordsTalk(t, d)

	for i := 0; i < 3; i++ {
		require.NoError(t, d.GenerationEnded(context.Background(), "s1"))
	}
	assert.Empty(t, snd.ofType("dispatch_turn"), "nothing before the settle delay")

	require.Eventually(t, func() bool { return len(snd.ofType("dispatch_turn")) == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	assert.Len(t, snd.ofType("dispatch_turn"), 1, "bursts collapse into one pass")
}

func TestClosedDispatcherRejectsDebouncedPasses(t *testing.T) {
	d, _, _ := setup(t, time.Hour)
	require.NoError(t, d.GenerationEnded(context.Background(), "s1"))
	d.Close()
	assert.ErrorIs(t, d.GenerationEnded(context.Background(), "s1"), ErrClosed)
}

func TestDirect(t *testing.T) {
	d, st, snd := setup(t, 0)
	_, err := d.AppendMessage("s1", types.Message{SpeakerID: "alice", Text: "hello"})
	require.NoError(t, err)

	dec, err := d.Direct(context.Background(), "s1", "Argue about money", "")
	require.NoError(t, err)
	assert.Equal(t, floor.Selected, dec.State)
	assert.Equal(t, "bob", dec.CandidateID)
	assert.Len(t, snd.ofType("dispatch_turn"), 1)

	evs := eventTypes(st, "s1")
	assert.Contains(t, evs, "directive")
	assert.Contains(t, evs, "turn_dispatched")

	out, _ := d.BeforeGeneration("s1", "P")
	assert.Equal(t, "P\nArgue about money", out)
}

func TestQueueAndClearOverride(t *testing.T) {
	d, st, snd := setup(t, 0)
	enable(t, st)
	_, err := d.AppendMessage("s1", types.Message{SpeakerID: "bob", Text: "hello"})
	require.NoError(t, err)

	require.NoError(t, d.QueueOverride("s1", floor.Override{TargetID: "alice", Instruction: "Sing"}))
	had, err := d.ClearOverride("s1")
	require.NoError(t, err)
	assert.True(t, had)

	require.NoError(t, d.QueueOverride("s1", floor.Override{TargetID: "alice", Instruction: "Sing"}))
	require.NoError(t, d.GenerationEnded(context.Background(), "s1"))
	turns := snd.ofType("dispatch_turn")
	require.Len(t, turns, 1)
	assert.Equal(t, "alice", turns[0].Payload["candidate_id"])
	assert.Contains(t, eventTypes(st, "s1"), "override_queued")
}

func TestDispatchFailureIsRecorded(t *testing.T) {
	d, st, snd := setup(t, 0)
	enable(t, st)
	snd.err = errors.New("worker gone")
	swordsTalk(t, d)

	require.NoError(t, d.GenerationEnded(context.Background(), "s1"))

	var failed *types.Event
	for _, e := range st.ListEvents("s1") {
		if e.Type == "turn_suppressed" {
			failed = &e
		}
	}
	require.NotNil(t, failed)
	assert.Equal(t, floor.ReasonDispatchFailed, failed.Payload["reason"])
	assert.Equal(t, "worker gone", failed.Payload["error"])

	snap, _ := d.Snapshot("s1")
	assert.False(t, snap.InstructionPending)
}

func TestUnknownSession(t *testing.T) {
	d, _, _ := setup(t, 0)
	ctx := context.Background()

	_, err := d.AppendMessage("nope", types.Message{SpeakerID: "bob"})
	assert.ErrorIs(t, err, store.ErrUnknownSession)
	assert.ErrorIs(t, d.GenerationEnded(ctx, "nope"), store.ErrUnknownSession)
	_, err = d.Direct(ctx, "nope", "", "")
	assert.ErrorIs(t, err, store.ErrUnknownSession)
	_, err = d.Snapshot("nope")
	assert.ErrorIs(t, err, store.ErrUnknownSession)
	_, err = d.BeforeGeneration("nope", "p")
	assert.ErrorIs(t, err, store.ErrUnknownSession)
	assert.ErrorIs(t, d.QueueOverride("nope", floor.Override{}), store.ErrUnknownSession)
}

func TestOnMessage(t *testing.T) {
	d, st, snd := setup(t, 0)
	enable(t, st)
	ctx := context.Background()

	d.OnMessage(ctx, "s1", workerws.Message{Type: "message", Payload: map[string]any{"speaker_id": "user", "text": "Let's talk about swords"}})
	d.OnMessage(ctx, "s1", workerws.Message{Type: "message", Payload: map[string]any{"speaker_id": "alice", "text": "I agree, swords are great"}})
	d.OnMessage(ctx, "s1", workerws.Message{Type: "message", Payload: map[string]any{"text": "no speaker"}})
	require.Len(t, st.Transcript("s1"), 2)
	assert.Equal(t, "Alice", st.Transcript("s1")[1].SpeakerName)
	assert.Contains(t, eventTypes(st, "s1"), "worker_msg_invalid")

	d.OnMessage(ctx, "s1", workerws.Message{Type: "generation_ended"})
	turns := snd.ofType("dispatch_turn")
	require.Len(t, turns, 1)

	d.OnMessage(ctx, "s1", workerws.Message{Type: "cmd_ack", CommandID: turns[0].CommandID})
	d.OnMessage(ctx, "s1", workerws.Message{Type: "before_generation", CommandID: "c-1", Payload: map[string]any{"prompt": "P"}})
	replies := snd.ofType("prompt")
	require.Len(t, replies, 1)
	assert.Equal(t, "c-1", replies[0].CommandID)
	assert.Equal(t, "P\n"+instruction.Default("Alice"), replies[0].Payload["prompt"])

	var ack types.Event
	for _, e := range st.ListEvents("s1") {
		if e.Type == "cmd_ack" {
			ack = e
		}
	}
	assert.NotContains(t, ack.Payload, "note")

	// A new worker drops any instruction left for a turn it never generated.
	d.OnMessage(ctx, "s1", workerws.Message{Type: "generation_ended"})
	snap, _ := d.Snapshot("s1")
	require.True(t, snap.InstructionPending)
	d.OnMessage(ctx, "s1", workerws.Message{Type: "worker_hello"})
	snap, _ = d.Snapshot("s1")
	assert.False(t, snap.InstructionPending)

	// Human message resets the budget.
	d.OnMessage(ctx, "s1", workerws.Message{Type: "message", Payload: map[string]any{"speaker_id": "user", "text": "ok"}})
	snap, _ = d.Snapshot("s1")
	assert.Equal(t, 0, snap.Scheduler.AutoTurnCount)
}
