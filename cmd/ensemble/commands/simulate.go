package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"ensemble/director/internal/workerws"
)

func NewSimulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a scripted generation worker against a director",
		Long: `simulate connects to the worker websocket and answers every dispatched turn
with a canned reply that quotes the injected instruction.

It reads ENSEMBLE_WORKER_URL, ENSEMBLE_WORKER_TOKEN and ENSEMBLE_SESSION_ID, so it
can be used directly as WORKER_CMD.

Examples:
  ensemble simulate --session g1 --token "$(ensemble token g1)" --say "Let's talk about swords"`,
		Args: cobra.NoArgs,
		RunE: runSimulate,
	}
	cmd.Flags().String("url", os.Getenv("ENSEMBLE_WORKER_URL"), "worker websocket URL")
	cmd.Flags().String("token", os.Getenv("ENSEMBLE_WORKER_TOKEN"), "worker token")
	cmd.Flags().String("session", os.Getenv("ENSEMBLE_SESSION_ID"), "session id")
	cmd.Flags().String("say", "", "user message to open with")
	cmd.Flags().Duration("think", 200*time.Millisecond, "simulated generation time")
	cmd.Flags().Duration("timeout", 0, "exit after this long (0 runs until interrupted)")
	return cmd
}

func runSimulate(cmd *cobra.Command, _ []string) error {
	sessionID, _ := cmd.Flags().GetString("session")
	token, _ := cmd.Flags().GetString("token")
	if sessionID == "" || token == "" {
		return errors.New("--session and --token are required")
	}
	url, _ := cmd.Flags().GetString("url")
	if url == "" {
		url = "ws://localhost:8080/ws/worker"
	}
	think, _ := cmd.Flags().GetDuration("think")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	out := cmd.OutOrStdout()
	gen := func(ctx context.Context, candidateID, prompt string) (string, error) {
		select {
		case <-time.After(think):
		case <-ctx.Done():
			return "", ctx.Err()
		}
		reply := fmt.Sprintf("(%s follows: %s)", candidateID, lastLine(prompt))
		fmt.Fprintf(out, "[%s] <- %s: %s\n", time.Now().Format("15:04:05.000"), candidateID, reply)
		return reply, nil
	}

	cl, err := workerws.Dial(ctx, url, sessionID, token, gen)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "worker attached to %s\n", sessionID)

	errc := make(chan error, 1)
	go func() { errc <- cl.Run(ctx) }()

	if text, _ := cmd.Flags().GetString("say"); text != "" {
		if err := cl.Say(ctx, "user", text); err != nil {
			return err
		}
		fmt.Fprintf(out, "[%s] -> user: %s\n", time.Now().Format("15:04:05.000"), text)
	}
	return <-errc
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
