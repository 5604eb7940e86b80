package health

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ensemble/director/internal/config"
	"ensemble/director/internal/floor"
	"ensemble/director/internal/loop"
	"ensemble/director/internal/rpc"
)

type idleDirector struct{}

func (idleDirector) Direct(context.Context, string, string, string) (floor.Decision, error) {
	return floor.Decision{}, nil
}
func (idleDirector) QueueOverride(string, floor.Override) error { return nil }
func (idleDirector) ClearOverride(string) (bool, error)         { return false, nil }
func (idleDirector) Snapshot(string) (loop.SessionState, error) { return loop.SessionState{}, nil }

func TestCheckAllHealthy(t *testing.T) {
	web := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			_, _ = w.Write([]byte("ok"))
			return
		}
		http.NotFound(w, r)
	}))
	defer web.Close()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	gs := rpc.NewServer(idleDirector{})
	go func() { _ = gs.Serve(lis) }()
	defer gs.Stop()

	cast := filepath.Join(t.TempDir(), "cast.yaml")
	require.NoError(t, os.WriteFile(cast, []byte("characters:\n  - id: bob\n"), 0o644))

	var cfg config.Config
	cfg.Worker.TokenSecret = "s"
	cfg.Ensemble.CharactersFile = cast

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st := CheckAll(ctx, cfg, web.URL, lis.Addr().String())
	assert.True(t, st.OK, st.String())
	assert.Len(t, st.Checks, 4)
	assert.Contains(t, st.String(), "Health: OK")
}

func TestCheckAllReportsFailures(t *testing.T) {
	web := httptest.NewServer(http.NotFoundHandler())
	defer web.Close()

	var cfg config.Config
	cfg.Ensemble.CharactersFile = filepath.Join(t.TempDir(), "missing.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	st := CheckAll(ctx, cfg, web.URL, "127.0.0.1:1")
	assert.False(t, st.OK)

	byName := map[string]CheckResult{}
	for _, c := range st.Checks {
		byName[c.Name] = c
	}
	assert.False(t, byName["worker_auth"].OK)
	assert.False(t, byName["roster"].OK)
	assert.Contains(t, byName["http"].Error, "404")
	assert.False(t, byName["grpc"].OK)
	assert.Contains(t, st.String(), "Health: FAIL")
}
