package workerws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	ws "nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"ensemble/director/internal/logging"
)

// Generator produces the reply of candidateID for the final prompt.
type Generator func(ctx context.Context, candidateID, prompt string) (string, error)

// Client is the worker side of the link. It answers every dispatch_turn with
// cmd_ack, a before_generation round trip, the generated message and
// generation_ended, one turn at a time.
type Client struct {
	SessionID string
	Generate  Generator
	// BasePrompt is sent in before_generation; the director appends its instruction.
	BasePrompt string

	conn *ws.Conn
	seq  atomic.Int64
	wmu  sync.Mutex
	log  *logrus.Entry

	mu      sync.Mutex
	pending map[string]chan string
}

// Dial connects to the worker endpoint. session_id is added to rawURL when missing.
func Dial(ctx context.Context, rawURL, sessionID, token string, gen Generator) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("worker url: %w", err)
	}
	q := u.Query()
	if q.Get("session_id") == "" {
		q.Set("session_id", sessionID)
		u.RawQuery = q.Encode()
	}
	conn, _, err := ws.Dial(ctx, u.String(), &ws.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token}},
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u.Redacted(), err)
	}
	return &Client{
		SessionID:  sessionID,
		Generate:   gen,
		BasePrompt: "Continue the group conversation.",
		conn:       conn,
		log:        logging.NewLogger("ensemble.worker").WithField("session_id", sessionID),
		pending:    make(map[string]chan string),
	}, nil
}

func (c *Client) send(ctx context.Context, typ, cmdID string, payload map[string]any) error {
	m := Message{
		Type:      typ,
		TsMs:      time.Now().UnixMilli(),
		SessionID: c.SessionID,
		Seq:       c.seq.Add(1),
		CommandID: cmdID,
		Payload:   payload,
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return wsjson.Write(ctx, c.conn, m)
}

// Say appends a transcript message on behalf of speakerID and reports the
// generation as finished so the director runs a pass.
func (c *Client) Say(ctx context.Context, speakerID, text string) error {
	if err := c.send(ctx, "message", "", map[string]any{"speaker_id": speakerID, "text": text}); err != nil {
		return err
	}
	return c.send(ctx, "generation_ended", "", nil)
}

// Run reads director commands until ctx ends or the connection drops.
func (c *Client) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer c.conn.Close(ws.StatusNormalClosure, "worker done")

	if err := c.send(ctx, "worker_hello", "", nil); err != nil {
		return err
	}

	turns := make(chan Message, 8)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for m := range turns {
			if err := c.turn(ctx, m); err != nil && ctx.Err() == nil {
				c.log.WithError(err).Warn("turn failed")
			}
		}
	}()
	defer func() {
		cancel()
		close(turns)
		wg.Wait()
	}()

	for {
		var m Message
		if err := wsjson.Read(ctx, c.conn, &m); err != nil {
			if ctx.Err() != nil || ws.CloseStatus(err) == ws.StatusNormalClosure {
				return nil
			}
			return err
		}
		switch m.Type {
		case "dispatch_turn":
			select {
			case turns <- m:
			default:
				c.log.WithField("command_id", m.CommandID).Warn("turn queue full, dropping dispatch")
			}
		case "prompt":
			c.mu.Lock()
			ch, ok := c.pending[m.CommandID]
			delete(c.pending, m.CommandID)
			c.mu.Unlock()
			if ok {
				ch <- m.Field("prompt")
			}
		default:
			c.log.WithField("type", m.Type).Debug("ignoring director message")
		}
	}
}

var errNoPrompt = errors.New("no prompt reply")

func (c *Client) turn(ctx context.Context, m Message) error {
	candidate := m.Field("candidate_id")
	log := c.log.WithFields(logrus.Fields{"candidate_id": candidate, "command_id": m.CommandID})
	if err := c.send(ctx, "cmd_ack", m.CommandID, nil); err != nil {
		return err
	}

	id := uuid.NewString()
	ch := make(chan string, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	if err := c.send(ctx, "before_generation", id, map[string]any{"prompt": c.BasePrompt}); err != nil {
		return err
	}
	var prompt string
	select {
	case prompt = <-ch:
	case <-time.After(5 * time.Second):
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return errNoPrompt
	case <-ctx.Done():
		return ctx.Err()
	}

	text, err := c.Generate(ctx, candidate, prompt)
	if err != nil {
		return fmt.Errorf("generate: %w", err)
	}
	log.Debug("generated reply")
	return c.Say(ctx, candidate, text)
}
