package workerws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	ws "nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"ensemble/director/internal/auth"
	"ensemble/director/internal/store"
	"ensemble/director/internal/types"
)

type harness struct {
	srv    *httptest.Server
	store  *store.Store
	reg    *Registry
	issuer *auth.Issuer
	got    chan Message
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := store.New()
	require.NoError(t, st.CreateSession(&types.Session{ID: "s1", Group: true}))
	h := &harness{
		store:  st,
		reg:    NewRegistry(),
		issuer: auth.NewIssuer("secret", time.Minute, 0),
		got:    make(chan Message, 16),
	}
	s := NewServer(st, h.issuer, h.reg)
	s.OnMessage = func(_ context.Context, _ string, m Message) { h.got <- m }
	h.srv = httptest.NewServer(http.HandlerFunc(s.HandleWorkerWS))
	t.Cleanup(h.srv.Close)
	return h
}

func (h *harness) url(sessionID string) string {
	return "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/?session_id=" + sessionID
}

func (h *harness) dial(t *testing.T, ctx context.Context) *ws.Conn {
	t.Helper()
	tok, _, err := h.issuer.Mint("s1")
	require.NoError(t, err)
	c, _, err := ws.Dial(ctx, h.url("s1"), &ws.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + tok}},
	})
	require.NoError(t, err)
	return c
}

func TestWorkerRoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := h.dial(t, ctx)
	defer c.Close(ws.StatusNormalClosure, "")

	require.NoError(t, wsjson.Write(ctx, c, Message{Type: "generation_ended", SessionID: "s1", Seq: 1}))
	select {
	case m := <-h.got:
		assert.Equal(t, "generation_ended", m.Type)
		assert.Equal(t, int64(1), m.Seq)
	case <-ctx.Done():
		t.Fatal("worker message not delivered")
	}

	assert.True(t, h.reg.Attached("s1"))
	require.NoError(t, h.reg.SendJSON(ctx, "s1", Message{Type: "dispatch_turn", CommandID: "c1", Payload: map[string]any{"candidate_id": "bob"}}))
	var cmd Message
	require.NoError(t, wsjson.Read(ctx, c, &cmd))
	assert.Equal(t, "dispatch_turn", cmd.Type)
	assert.Equal(t, "bob", cmd.Field("candidate_id"))
	assert.Empty(t, cmd.Field("missing"))

	require.NoError(t, c.Write(ctx, ws.MessageText, []byte("{not json")))
	require.NoError(t, c.Close(ws.StatusNormalClosure, "bye"))
	assert.Eventually(t, func() bool {
		evs := h.store.ListEvents("s1")
		return len(evs) > 0 && evs[len(evs)-1].Type == "worker_disconnected"
	}, 2*time.Second, 10*time.Millisecond)

	var seen []string
	for _, e := range h.store.ListEvents("s1") {
		seen = append(seen, e.Type)
	}
	assert.Contains(t, seen, "worker_connected")
	assert.Contains(t, seen, "worker_msg_invalid")
	assert.ErrorIs(t, h.reg.SendJSON(ctx, "s1", Message{}), ErrNoWorker)
}

func TestReplacedWorkerKeepsSuccessor(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first := h.dial(t, ctx)
	defer first.Close(ws.StatusNormalClosure, "")
	closed := first.CloseRead(ctx)
	require.Eventually(t, func() bool { return h.reg.Attached("s1") }, 2*time.Second, 10*time.Millisecond)

	second := h.dial(t, ctx)
	defer second.Close(ws.StatusNormalClosure, "")

	assert.Eventually(t, func() bool {
		for _, e := range h.store.ListEvents("s1") {
			if e.Type == "worker_replaced" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	select {
	case <-closed.Done():
	case <-ctx.Done():
		t.Fatal("replaced worker was not closed")
	}

	require.NoError(t, h.reg.SendJSON(ctx, "s1", Message{Type: "ping"}))
	var m Message
	require.NoError(t, wsjson.Read(ctx, second, &m))
	assert.Equal(t, "ping", m.Type)
}

func TestWorkerRejections(t *testing.T) {
	h := newHarness(t)
	tok, _, err := h.issuer.Mint("s1")
	require.NoError(t, err)

	cases := []struct {
		name   string
		query  string
		header string
		want   int
	}{
		{"missing session", "", "Bearer " + tok, http.StatusBadRequest},
		{"unknown session", "?session_id=zzz", "Bearer " + tok, http.StatusNotFound},
		{"missing token", "?session_id=s1", "", http.StatusUnauthorized},
		{"bad token", "?session_id=s1", "Bearer nope", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, h.srv.URL+"/"+tc.query, nil)
			require.NoError(t, err)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, tc.want, resp.StatusCode)
		})
	}
}

func TestClientPlaysTurn(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tok, _, err := h.issuer.Mint("s1")
	require.NoError(t, err)
	gen := func(_ context.Context, cand, prompt string) (string, error) {
		return cand + " says: " + prompt, nil
	}
	cl, err := Dial(ctx, "ws"+strings.TrimPrefix(h.srv.URL, "http")+"/", "s1", tok, gen)
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- cl.Run(ctx) }()

	next := func() Message {
		select {
		case m := <-h.got:
			return m
		case <-ctx.Done():
			t.Fatal("no worker message")
			return Message{}
		}
	}

	assert.Equal(t, "worker_hello", next().Type)
	require.NoError(t, h.reg.SendJSON(ctx, "s1", Message{Type: "dispatch_turn", CommandID: "c1", Payload: map[string]any{"candidate_id": "bob"}}))

	ack := next()
	assert.Equal(t, "cmd_ack", ack.Type)
	assert.Equal(t, "c1", ack.CommandID)

	before := next()
	require.Equal(t, "before_generation", before.Type)
	require.NoError(t, h.reg.SendJSON(ctx, "s1", Message{Type: "prompt", CommandID: before.CommandID, Payload: map[string]any{"prompt": "P!"}}))

	msg := next()
	assert.Equal(t, "message", msg.Type)
	assert.Equal(t, "bob", msg.Field("speaker_id"))
	assert.Equal(t, "bob says: P!", msg.Field("text"))
	assert.Equal(t, "generation_ended", next().Type)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("client did not stop")
	}
}

func TestMessageTypeLabelsAreBounded(t *testing.T) {
	assert.Equal(t, "generation_ended", typeLabel("generation_ended"))
	assert.Equal(t, "other", typeLabel("x-"+time.Now().String()))

	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c := h.dial(t, ctx)
	defer c.Close(ws.StatusNormalClosure, "")

	before := counterValue(t, "other")
	require.NoError(t, wsjson.Write(ctx, c, Message{Type: "made_up_type", SessionID: "s1"}))
	select {
	case m := <-h.got:
		assert.Equal(t, "made_up_type", m.Type, "unknown types are still delivered")
	case <-ctx.Done():
		t.Fatal("worker message not delivered")
	}
	assert.Equal(t, before+1, counterValue(t, "other"))
	assert.Zero(t, counterValue(t, "made_up_type"))
}

func counterValue(t *testing.T, label string) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, metricWorkerMessages.WithLabelValues(label).Write(&m))
	return m.GetCounter().GetValue()
}
