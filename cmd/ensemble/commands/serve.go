package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"ensemble/director/internal/api"
	"ensemble/director/internal/auth"
	"ensemble/director/internal/config"
	"ensemble/director/internal/logging"
	"ensemble/director/internal/loop"
	"ensemble/director/internal/roster"
	"ensemble/director/internal/rpc"
	"ensemble/director/internal/runner"
	"ensemble/director/internal/store"
	"ensemble/director/internal/workerws"
)

func NewServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP, worker websocket and gRPC director services",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Flags().GetString("config")
	live, err := config.NewLive(path)
	if err != nil {
		return err
	}
	cfg := live.Config()
	flagLevel, _ := cmd.Flags().GetString("log-level")
	if err := logging.Configure(logLevel(cfg, flagLevel), cfg.Server.LogJSON); err != nil {
		return err
	}
	log := logging.NewLogger("ensemble.serve")
	live.OnChange(func(c config.Config) {
		if err := logging.Configure(logLevel(c, flagLevel), c.Server.LogJSON); err != nil {
			log.WithError(err).Warn("log level not changed")
		}
	})
	live.Watch()

	st := store.New()
	if f := cfg.Ensemble.CharactersFile; f != "" {
		chars, err := roster.LoadFile(f)
		if err != nil {
			return err
		}
		for _, c := range chars {
			st.PutCharacter(c)
		}
		log.WithField("characters", len(chars)).Info("roster loaded")
	}

	issuer := auth.NewIssuer(cfg.Worker.TokenSecret,
		time.Duration(cfg.Worker.TokenTTLMin)*time.Minute,
		time.Duration(cfg.Worker.TokenSkewSecs)*time.Second)
	reg := workerws.NewRegistry()
	disp := loop.New(reg, st, live, cfg.Ensemble.SettleDelay)
	defer disp.Close()

	wss := workerws.NewServer(st, issuer, reg)
	wss.OnMessage = disp.OnMessage

	handlers := api.NewHandlers(st, disp, issuer)
	if cfg.Worker.Cmd != "" {
		launcher := runner.NewLocalRunner(cfg.Worker.Cmd,
			func(sessionID string, err error) {
				fields := map[string]any{}
				if err != nil {
					fields["error"] = err.Error()
				}
				st.AppendEvent(sessionID, "worker_exit", fields)
			},
			func(sessionID, stream, line string) {
				st.AppendEvent(sessionID, "worker_log", map[string]any{"stream": stream, "line": line})
			})
		defer launcher.StopAll()
		handlers.WithRunner(launcher, cfg.Worker.PublicURL)
	}

	mux := http.NewServeMux()
	mux.Handle("/", api.NewRouter(handlers))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws/worker", wss.HandleWorkerWS)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           api.LogMiddleware(log, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		return fmt.Errorf("grpc listen %s: %w", cfg.Server.GRPCAddr, err)
	}
	gs := rpc.NewServer(disp)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 2)
	go func() {
		log.WithField("addr", srv.Addr).Info("http server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()
	go func() {
		log.WithField("addr", lis.Addr().String()).Info("grpc server starting")
		if err := gs.Serve(lis); err != nil {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err = <-errc:
		log.WithError(err).Error("server error")
	}

	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(sctx)
	gs.GracefulStop()
	return err
}

// logLevel prefers the --log-level flag over the config file, on start and on every reload.
func logLevel(c config.Config, flagLevel string) string {
	if flagLevel != "" {
		return flagLevel
	}
	return c.Server.LogLevel
}
