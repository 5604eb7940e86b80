package commands

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"ensemble/director/internal/rpc"
)

func dialDirector(cmd *cobra.Command) (*rpc.Client, func(), error) {
	addr, _ := cmd.Flags().GetString("addr")
	cc, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, err
	}
	return rpc.NewClient(cc), func() { _ = cc.Close() }, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// NewDirectCmd is the operator's /direct: force the next turn with an instruction.
func NewDirectCmd() *cobra.Command {
	var (
		target string
		queue  bool
	)
	cmd := &cobra.Command{
		Use:   "direct <session> [instruction...]",
		Short: "Force the next turn, optionally naming the speaker",
		Long: `Force a character to speak now, ignoring the threshold and the auto-turn budget.

Without --target the highest scoring eligible character is chosen. Without an
instruction the default brevity instruction is used. With --queue the directive
waits for the next finished generation instead.

Examples:
  ensemble direct g1 "Argue about money"
  ensemble direct g1 --target alice "Sing a song"
  ensemble direct g1 --queue "Change the subject"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, done, err := dialDirector(cmd)
			if err != nil {
				return err
			}
			defer done()
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			text := strings.Join(args[1:], " ")
			var out map[string]any
			if queue {
				out, err = c.QueueOverride(ctx, args[0], text, target)
			} else {
				out, err = c.Direct(ctx, args[0], text, target)
			}
			if err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "character id to speak")
	cmd.Flags().BoolVar(&queue, "queue", false, "apply on the next finished generation")
	cmd.Flags().String("addr", "localhost:9090", "director gRPC address")
	return cmd
}

func NewStateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state <session>",
		Short: "Show a session's scheduler state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, done, err := dialDirector(cmd)
			if err != nil {
				return err
			}
			defer done()
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			out, err := c.State(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}
	cmd.Flags().String("addr", "localhost:9090", "director gRPC address")
	return cmd
}
