package main

import (
	"context"
	"net/http"

	"github.com/oriys/zephyr/internal/metrics"
)

// metricsServer exposes a Registry's collectors over HTTP for the
// lifetime of one invocation. Most providers kill the process well
// before any scrape lands, but long-running SLURM-dispatched
// invocations can be scraped mid-run.
type metricsServer struct {
	srv *http.Server
}

func startMetricsServer(addr string, reg *metrics.Registry) *metricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", reg.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		_ = srv.ListenAndServe()
	}()
	return &metricsServer{srv: srv}
}

func (m *metricsServer) Stop(ctx context.Context) {
	if m == nil || m.srv == nil {
		return
	}
	_ = m.srv.Shutdown(ctx)
}
