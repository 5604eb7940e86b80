package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"ensemble/director/internal/health"
)

var errUnhealthy = errors.New("unhealthy")

func NewHealthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check the config and probe a running director",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			httpBase, _ := cmd.Flags().GetString("http")
			if httpBase == "" {
				httpBase = "http://localhost:" + cfg.Server.Port
			}
			grpcAddr, _ := cmd.Flags().GetString("grpc")
			if grpcAddr == "" {
				grpcAddr = cfg.Server.GRPCAddr
				if strings.HasPrefix(grpcAddr, ":") {
					grpcAddr = "localhost" + grpcAddr
				}
			}
			timeout, _ := cmd.Flags().GetDuration("timeout")
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			st := health.CheckAll(ctx, cfg, httpBase, grpcAddr)
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(st); err != nil {
					return err
				}
			} else {
				fmt.Fprint(cmd.OutOrStdout(), st.String())
			}
			if !st.OK {
				return errUnhealthy
			}
			return nil
		},
	}
	cmd.Flags().String("http", "", "director HTTP base URL (default http://localhost:<server.port>)")
	cmd.Flags().String("grpc", "", "director gRPC address (default server.grpc_addr)")
	cmd.Flags().Duration("timeout", 5*time.Second, "overall probe timeout")
	cmd.Flags().Bool("json", false, "print the result as JSON")
	return cmd
}
