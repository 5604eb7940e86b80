package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"ensemble/director/internal/auth"
	"ensemble/director/internal/floor"
	"ensemble/director/internal/logging"
	"ensemble/director/internal/loop"
	"ensemble/director/internal/roster"
	"ensemble/director/internal/runner"
	"ensemble/director/internal/store"
	"ensemble/director/internal/types"
)

type Handlers struct {
	store  *store.Store
	disp   *loop.Dispatcher
	issuer *auth.Issuer
	log    *logrus.Entry

	runner runner.Runner
	wsURL  string
}

func NewHandlers(st *store.Store, d *loop.Dispatcher, issuer *auth.Issuer) *Handlers {
	return &Handlers{store: st, disp: d, issuer: issuer, log: logging.NewLogger("ensemble.api")}
}

// WithRunner enables launching local workers. wsURL is the worker websocket
// endpoint handed to the process.
func (h *Handlers) WithRunner(r runner.Runner, wsURL string) *Handlers {
	h.runner = r
	h.wsURL = wsURL
	return h
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// fail maps domain errors onto status codes.
func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrUnknownSession):
		http.NotFound(w, r)
	case errors.Is(err, store.ErrSessionExists):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, store.ErrEmptySpeaker), errors.Is(err, errInvalidSettings):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, runner.ErrAlreadyRunning), errors.Is(err, runner.ErrNotRunning):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, auth.ErrNoSecret), errors.Is(err, runner.ErrNoCommand):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		h.log.WithError(err).WithField("path", r.URL.Path).Error("request failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

type createSessionReq struct {
	ID      string   `json:"session_id"`
	Name    string   `json:"name"`
	Group   *bool    `json:"group"`
	Members []string `json:"members"`
}

func (h *Handlers) HandleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionReq
	if !decode(w, r, &req) {
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	group := true
	if req.Group != nil {
		group = *req.Group
	}
	sess := &types.Session{
		ID:        req.ID,
		Name:      req.Name,
		Group:     group,
		Members:   req.Members,
		CreatedAt: time.Now().UTC(),
		Status:    "created",
	}
	if err := h.store.CreateSession(sess); err != nil {
		h.fail(w, r, err)
		return
	}
	h.store.AppendEvent(sess.ID, "session_created", map[string]any{"group": group, "members": len(req.Members)})
	writeJSON(w, http.StatusCreated, sess)
}

func (h *Handlers) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": h.store.ListSessionIDs()})
}

func (h *Handlers) HandleState(w http.ResponseWriter, r *http.Request, id string) {
	st, err := h.disp.Snapshot(id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handlers) HandleAppendMessage(w http.ResponseWriter, r *http.Request, id string) {
	var msg types.Message
	if !decode(w, r, &msg) {
		return
	}
	saved, err := h.disp.AppendMessage(id, msg)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

func (h *Handlers) HandleTranscript(w http.ResponseWriter, r *http.Request, id string) {
	if h.store.GetSession(id) == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "messages": h.store.Transcript(id)})
}

func (h *Handlers) HandleSetRoster(w http.ResponseWriter, r *http.Request, id string) {
	var req struct {
		Members []string `json:"members"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := h.store.SetMembers(id, req.Members); err != nil {
		h.fail(w, r, err)
		return
	}
	h.store.AppendEvent(id, "roster_updated", map[string]any{"members": req.Members})
	writeJSON(w, http.StatusOK, h.store.GetSession(id))
}

var errInvalidSettings = errors.New("talkativeness must be > 0 and max_turns >= 0")

func (h *Handlers) HandleSetSettings(w http.ResponseWriter, r *http.Request, id string) {
	// Fields missing from the body keep their current values.
	cur, err := h.disp.Snapshot(id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	s := cur.Settings
	if !decode(w, r, &s) {
		return
	}
	if s.Talkativeness <= 0 || s.MaxTurns < 0 {
		h.fail(w, r, errInvalidSettings)
		return
	}
	if err := h.store.SetSettings(id, s); err != nil {
		h.fail(w, r, err)
		return
	}
	h.store.AppendEvent(id, "settings_updated", map[string]any{"enabled": s.Enabled, "threshold": s.Threshold, "talkativeness": s.Talkativeness, "max_turns": s.MaxTurns})
	writeJSON(w, http.StatusOK, s)
}

type directReq struct {
	Instruction string `json:"instruction"`
	TargetID    string `json:"target_id"`
	// Queue defers the directive to the next generation-ended pass.
	Queue bool `json:"queue"`
}

func (h *Handlers) HandleDirect(w http.ResponseWriter, r *http.Request, id string) {
	var req directReq
	if !decode(w, r, &req) {
		return
	}
	if req.Queue {
		if err := h.disp.QueueOverride(id, floor.Override{TargetID: req.TargetID, Instruction: req.Instruction}); err != nil {
			h.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"queued": true})
		return
	}
	dec, err := h.disp.Direct(r.Context(), id, req.Instruction, req.TargetID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dec)
}

func (h *Handlers) HandleClearOverride(w http.ResponseWriter, r *http.Request, id string) {
	had, err := h.disp.ClearOverride(id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cleared": had})
}

func (h *Handlers) HandleGenerationEnded(w http.ResponseWriter, r *http.Request, id string) {
	if err := h.disp.GenerationEnded(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func (h *Handlers) HandleBeforeGeneration(w http.ResponseWriter, r *http.Request, id string) {
	var req struct {
		Prompt string `json:"prompt"`
	}
	if !decode(w, r, &req) {
		return
	}
	out, err := h.disp.BeforeGeneration(id, req.Prompt)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"prompt": out})
}

func (h *Handlers) HandleListEvents(w http.ResponseWriter, r *http.Request, id string) {
	if h.store.GetSession(id) == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "events": h.store.ListEvents(id)})
}

func (h *Handlers) HandleMintWorkerToken(w http.ResponseWriter, r *http.Request, id string) {
	if h.store.GetSession(id) == nil {
		http.NotFound(w, r)
		return
	}
	tok, exp, err := h.issuer.Mint(id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.store.AppendEvent(id, "worker_token_minted", map[string]any{"expires_at": exp})
	writeJSON(w, http.StatusOK, map[string]any{"token": tok, "expires_at": exp})
}

func (h *Handlers) HandleListCharacters(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"characters": h.store.ListCharacters()})
}

func (h *Handlers) HandlePutCharacter(w http.ResponseWriter, r *http.Request) {
	var c types.Candidate
	if !decode(w, r, &c) {
		return
	}
	if c.ID == "" || c.Name == "" {
		http.Error(w, "id and name are required", http.StatusBadRequest)
		return
	}
	if err := roster.CheckID(c.ID); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.store.PutCharacter(c)
	writeJSON(w, http.StatusCreated, c)
}

func (h *Handlers) HandleStartWorker(w http.ResponseWriter, r *http.Request, id string) {
	if h.store.GetSession(id) == nil {
		http.NotFound(w, r)
		return
	}
	if h.runner == nil {
		h.fail(w, r, runner.ErrNoCommand)
		return
	}
	tok, _, err := h.issuer.Mint(id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	env := map[string]string{
		"ENSEMBLE_SESSION_ID":   id,
		"ENSEMBLE_WORKER_URL":   h.wsURL + "?session_id=" + url.QueryEscape(id),
		"ENSEMBLE_WORKER_TOKEN": tok,
	}
	h.store.AppendEvent(id, "worker_start_requested", nil)
	if err := h.runner.Start(id, env); err != nil {
		h.fail(w, r, err)
		return
	}
	h.store.AppendEvent(id, "worker_started", nil)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "running": true})
}

func (h *Handlers) HandleStopWorker(w http.ResponseWriter, r *http.Request, id string) {
	if h.store.GetSession(id) == nil {
		http.NotFound(w, r)
		return
	}
	if h.runner == nil {
		h.fail(w, r, runner.ErrNoCommand)
		return
	}
	h.store.AppendEvent(id, "worker_stop_requested", nil)
	if err := h.runner.Stop(id); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "running": false})
}
