package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"ensemble/director/internal/auth"
)

// NewTokenCmd mints a worker token offline from the configured secret.
func NewTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token <session>",
		Short: "Mint a worker token for a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			iss := auth.NewIssuer(cfg.Worker.TokenSecret,
				time.Duration(cfg.Worker.TokenTTLMin)*time.Minute,
				time.Duration(cfg.Worker.TokenSkewSecs)*time.Second)
			tok, exp, err := iss.Mint(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", exp.UTC().Format(time.RFC3339))
			return nil
		},
	}
}
