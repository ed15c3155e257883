package infrastructure

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metricsServer exposes /metrics on its own listener so the scrape surface
// stays off the public API port.
type metricsServer struct {
	srv *http.Server
}

func newMetricsServer(addr string) *metricsServer {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())

	return &metricsServer{
		srv: &http.Server{
			Addr:        addr,
			Handler:     mux,
			ReadTimeout: 5 * time.Second,
			IdleTimeout: 120 * time.Second,
		},
	}
}

func (s *metricsServer) Start(ctx context.Context) error {
	return s.srv.ListenAndServe()
}

func (s *metricsServer) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
