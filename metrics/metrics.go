// Package metrics exposes Prometheus-compatible counters for the record,
// grant, and sharing services, served on a separate listener.
package metrics

import (
	"context"
	"net/http"

	vmmetrics "github.com/VictoriaMetrics/metrics"
)

// Counters incremented by the HTTP handlers.
var (
	RecordsCreated    = vmmetrics.NewCounter(`records_created_total`)
	RecordsDegraded   = vmmetrics.NewCounter(`records_created_degraded_total`)
	GrantsCreated     = vmmetrics.NewCounter(`grants_created_total`)
	GrantsRevoked     = vmmetrics.NewCounter(`grants_revoked_total`)
	AuthDenied        = vmmetrics.NewCounter(`authorization_denied_total`)
	FilesShared       = vmmetrics.NewCounter(`files_shared_total`)
	WalletAuthSuccess = vmmetrics.NewCounter(`wallet_auth_success_total`)
	WalletAuthFailure = vmmetrics.NewCounter(`wallet_auth_failure_total`)
)

// MetricsServer serves the /metrics endpoint.
type MetricsServer struct {
	srv *http.Server
}

// New creates a metrics server listening on addr.
func New(service, addr string) (*MetricsServer, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		vmmetrics.WritePrometheus(w, true)
	})

	return &MetricsServer{
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}, nil
}

// ListenAndServe blocks serving metrics until shutdown.
func (m *MetricsServer) ListenAndServe() error {
	return m.srv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}
