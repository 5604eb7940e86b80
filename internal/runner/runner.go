// Package runner launches a local generation worker process per session.
package runner

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"ensemble/director/internal/logging"
)

var (
	ErrNoCommand      = errors.New("worker command not configured")
	ErrAlreadyRunning = errors.New("worker already running for session")
	ErrNotRunning     = errors.New("worker not running for session")
)

// Runner starts and stops session workers.
type Runner interface {
	Start(sessionID string, env map[string]string) error
	Stop(sessionID string) error
	IsRunning(sessionID string) bool
}

type ExitCallback func(sessionID string, err error)
type LogCallback func(sessionID, stream, line string)

type LocalRunner struct {
	workerCmd []string
	onExit    ExitCallback
	onLog     LogCallback
	grace     time.Duration
	log       *logrus.Entry

	mu    sync.Mutex
	procs map[string]*proc
}

type proc struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	done   chan struct{}
}

// NewLocalRunner splits workerCmd on whitespace; no shell is involved.
func NewLocalRunner(workerCmd string, onExit ExitCallback, onLog LogCallback) *LocalRunner {
	return &LocalRunner{
		workerCmd: strings.Fields(workerCmd),
		onExit:    onExit,
		onLog:     onLog,
		grace:     3 * time.Second,
		log:       logging.NewLogger("ensemble.runner"),
		procs:     make(map[string]*proc),
	}
}

func (r *LocalRunner) IsRunning(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.procs[sessionID]
	return ok
}

func (r *LocalRunner) Start(sessionID string, env map[string]string) error {
	if len(r.workerCmd) == 0 {
		return ErrNoCommand
	}
	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, r.workerCmd[0], r.workerCmd[1:]...)
	cmd.Env = append(os.Environ(), envToList(env)...)

	// Reserve the slot first so concurrent starts cannot both launch.
	r.mu.Lock()
	if _, exists := r.procs[sessionID]; exists {
		r.mu.Unlock()
		cancel()
		return ErrAlreadyRunning
	}
	p := &proc{cmd: cmd, cancel: cancel, done: make(chan struct{})}
	r.procs[sessionID] = p
	r.mu.Unlock()

	release := func() {
		r.mu.Lock()
		delete(r.procs, sessionID)
		r.mu.Unlock()
		cancel()
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		release()
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		release()
		return err
	}
	if err := cmd.Start(); err != nil {
		release()
		return err
	}
	r.log.WithFields(logrus.Fields{"session_id": sessionID, "pid": cmd.Process.Pid}).Info("worker started")

	var streams sync.WaitGroup
	streams.Add(2)
	go r.stream(&streams, sessionID, "stdout", stdout)
	go r.stream(&streams, sessionID, "stderr", stderr)

	go func() {
		// Pipes must be drained before Wait closes them.
		streams.Wait()
		err := cmd.Wait()
		r.mu.Lock()
		delete(r.procs, sessionID)
		r.mu.Unlock()
		cancel()
		r.log.WithField("session_id", sessionID).WithError(err).Info("worker exited")
		if r.onExit != nil {
			r.onExit(sessionID, err)
		}
		close(p.done)
	}()
	return nil
}

// Stop cancels the worker and kills it if it has not exited after the grace period.
func (r *LocalRunner) Stop(sessionID string) error {
	r.mu.Lock()
	p, ok := r.procs[sessionID]
	r.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}
	p.cancel()
	select {
	case <-p.done:
	case <-time.After(r.grace):
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
		<-p.done
	}
	return nil
}

// StopAll stops every running worker, used on shutdown.
func (r *LocalRunner) StopAll() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.procs))
	for id := range r.procs {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_ = r.Stop(id)
		}(id)
	}
	wg.Wait()
}

func envToList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func (r *LocalRunner) stream(wg *sync.WaitGroup, sessionID, stream string, rdr io.Reader) {
	defer wg.Done()
	scanner := bufio.NewScanner(rdr)
	for scanner.Scan() {
		line := scanner.Text()
		r.log.WithFields(logrus.Fields{"session_id": sessionID, "stream": stream}).Debug(line)
		if r.onLog != nil {
			r.onLog(sessionID, stream, line)
		}
	}
}
