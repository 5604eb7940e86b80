// Package health probes a running director and its configuration.
package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"ensemble/director/internal/config"
	"ensemble/director/internal/roster"
	"ensemble/director/internal/rpc"
)

type CheckResult struct {
	Name    string        `json:"name"`
	OK      bool          `json:"ok"`
	Latency time.Duration `json:"latency_ms"`
	Error   string        `json:"error,omitempty"`
}

type HealthStatus struct {
	OK        bool          `json:"ok"`
	Checks    []CheckResult `json:"checks"`
	CheckedAt time.Time     `json:"checked_at"`
}

func (h HealthStatus) String() string {
	status := "OK"
	if !h.OK {
		status = "FAIL"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Health: %s\n", status)
	for _, c := range h.Checks {
		mark := "✓"
		if !c.OK {
			mark = "✗"
		}
		fmt.Fprintf(&b, "  %s %s (%dms)", mark, c.Name, c.Latency.Milliseconds())
		if c.Error != "" {
			fmt.Fprintf(&b, " - %s", c.Error)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// CheckAll runs the config checks, then probes the HTTP and gRPC endpoints.
// httpBase is e.g. "http://localhost:8080"; grpcAddr is a host:port.
func CheckAll(ctx context.Context, cfg config.Config, httpBase, grpcAddr string) HealthStatus {
	checks := []CheckResult{
		checkWorkerAuth(cfg),
		checkRoster(cfg),
		checkHTTP(ctx, httpBase),
		checkGRPC(ctx, grpcAddr),
	}
	allOK := true
	for _, c := range checks {
		if !c.OK {
			allOK = false
		}
	}
	return HealthStatus{OK: allOK, Checks: checks, CheckedAt: time.Now().UTC()}
}

func checkWorkerAuth(cfg config.Config) CheckResult {
	r := CheckResult{Name: "worker_auth", OK: cfg.Worker.TokenSecret != ""}
	if !r.OK {
		r.Error = "WORKER_TOKEN_SECRET not set"
	}
	return r
}

// checkRoster passes without a characters file; characters can be added over HTTP.
func checkRoster(cfg config.Config) CheckResult {
	start := time.Now()
	r := CheckResult{Name: "roster", OK: true}
	if f := cfg.Ensemble.CharactersFile; f != "" {
		chars, err := roster.LoadFile(f)
		switch {
		case err != nil:
			r.OK, r.Error = false, err.Error()
		case len(chars) == 0:
			r.OK, r.Error = false, "characters file has no entries"
		}
	}
	r.Latency = time.Since(start)
	return r
}

func checkHTTP(ctx context.Context, base string) CheckResult {
	start := time.Now()
	r := CheckResult{Name: "http"}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(base, "/")+"/healthz", nil)
	if err != nil {
		r.Error = fmt.Sprintf("request build failed: %v", err)
		r.Latency = time.Since(start)
		return r
	}
	resp, err := http.DefaultClient.Do(req)
	r.Latency = time.Since(start)
	if err != nil {
		r.Error = fmt.Sprintf("request failed: %v", err)
		return r
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		r.Error = fmt.Sprintf("unexpected status %d: %s", resp.StatusCode, string(body))
		return r
	}
	r.OK = true
	return r
}

func checkGRPC(ctx context.Context, addr string) CheckResult {
	start := time.Now()
	r := CheckResult{Name: "grpc"}
	cc, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		r.Error = err.Error()
		r.Latency = time.Since(start)
		return r
	}
	defer cc.Close()
	resp, err := healthpb.NewHealthClient(cc).Check(ctx, &healthpb.HealthCheckRequest{Service: rpc.ServiceName})
	r.Latency = time.Since(start)
	if err != nil {
		r.Error = err.Error()
		return r
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		r.Error = "status " + resp.GetStatus().String()
		return r
	}
	r.OK = true
	return r
}
