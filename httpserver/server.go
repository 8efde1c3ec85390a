package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/flashbots/go-utils/httplogger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/atomic"

	"github.com/carevault/record-access-backend/common"
	"github.com/carevault/record-access-backend/metrics"
)

type HTTPServerConfig struct {
	ListenAddr  string
	MetricsAddr string
	EnablePprof bool
	Log         *slog.Logger

	DrainDuration            time.Duration
	GracefulShutdownDuration time.Duration
	ReadTimeout              time.Duration
	WriteTimeout             time.Duration
}

type Server struct {
	cfg     *HTTPServerConfig
	isReady atomic.Bool
	log     *slog.Logger

	srv        *http.Server
	metricsSrv *metrics.MetricsServer
	handler    *Handler
}

func New(cfg *HTTPServerConfig, handler *Handler) (srv *Server, err error) {
	metricsSrv, err := metrics.New(common.PackageName, cfg.MetricsAddr)
	if err != nil {
		return nil, err
	}

	srv = &Server{
		cfg:        cfg,
		log:        cfg.Log,
		srv:        nil,
		metricsSrv: metricsSrv,
		handler:    handler,
	}
	srv.isReady.Store(true)

	srv.srv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.getRouter(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return srv, nil
}

func (srv *Server) getRouter() http.Handler {
	mux := chi.NewRouter()

	// Record registry
	mux.With(srv.httpLogger).Post("/api/records/{patient_id}", srv.handler.HandleCreateRecord)
	mux.With(srv.httpLogger).Get("/api/records/{patient_id}", srv.handler.HandleListRecords)
	mux.With(srv.httpLogger).Get("/api/records/{record_id}/meta", srv.handler.HandleGetRecord)
	mux.With(srv.httpLogger).Post("/api/records/{record_id}/meta", srv.handler.HandleUpdateTags)
	mux.With(srv.httpLogger).Get("/api/records/{record_id}/content", srv.handler.HandleRecordContent)
	mux.With(srv.httpLogger).Get("/api/records/{record_id}/url", srv.handler.HandleRecordURL)

	// Access grant ledger
	mux.With(srv.httpLogger).Post("/api/grants", srv.handler.HandleCreateGrant)
	mux.With(srv.httpLogger).Post("/api/grants/{grant_id}/revoke", srv.handler.HandleRevokeGrant)
	mux.With(srv.httpLogger).Get("/api/grants/authorized", srv.handler.HandleIsAuthorized)
	mux.With(srv.httpLogger).Get("/api/grants/patient/{patient_id}", srv.handler.HandleListGrantsForPatient)
	mux.With(srv.httpLogger).Get("/api/grants/doctor/{doctor_id}", srv.handler.HandleListGrantsForDoctor)

	// Sharing and delivery log
	mux.With(srv.httpLogger).Post("/api/shares/{patient_id}", srv.handler.HandleShareFile)
	mux.With(srv.httpLogger).Post("/api/shares/{shared_file_id}/viewed", srv.handler.HandleMarkViewed)
	mux.With(srv.httpLogger).Get("/api/shares/{shared_file_id}/content", srv.handler.HandleSharedContent)
	mux.With(srv.httpLogger).Get("/api/shares/doctor/{doctor_id}", srv.handler.HandleListSharesForDoctor)
	mux.With(srv.httpLogger).Get("/api/shares/patient/{patient_id}", srv.handler.HandleListSharesForPatient)

	// Identity binding
	mux.With(srv.httpLogger).Post("/api/identity/bind", srv.handler.HandleBindWallet)
	mux.With(srv.httpLogger).Get("/api/identity/challenge", srv.handler.HandleChallenge)
	mux.With(srv.httpLogger).Post("/api/identity/authenticate", srv.handler.HandleAuthenticate)

	// Health and diagnostic endpoints
	mux.With(srv.httpLogger).Get("/livez", srv.handleLivenessCheck)
	mux.With(srv.httpLogger).Get("/readyz", srv.handleReadinessCheck)
	mux.With(srv.httpLogger).Get("/drain", srv.handleDrain)
	mux.With(srv.httpLogger).Get("/undrain", srv.handleUndrain)

	if srv.cfg.EnablePprof {
		srv.log.Info("pprof API enabled")
		mux.Mount("/debug", middleware.Profiler())
	}
	return mux
}

func (srv *Server) httpLogger(next http.Handler) http.Handler {
	return httplogger.LoggingMiddlewareSlog(srv.log, next)
}

func (srv *Server) handleLivenessCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"alive"}`))
}

func (srv *Server) handleReadinessCheck(w http.ResponseWriter, r *http.Request) {
	if !srv.isReady.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"not ready"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}

func (srv *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	if !srv.isReady.Swap(false) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"already draining"}`))
		return
	}

	srv.log.Info("Server marked as not ready")

	// Wait out the drain period off the request path so load balancers can
	// pick up the readiness change.
	go func() {
		time.Sleep(srv.cfg.DrainDuration)
		srv.log.Info("Drain period completed")
	}()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"draining"}`))
}

func (srv *Server) handleUndrain(w http.ResponseWriter, r *http.Request) {
	if srv.isReady.Swap(true) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"already ready"}`))
		return
	}

	srv.log.Info("Server marked as ready")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}

func (srv *Server) RunInBackground() {
	// metrics
	if srv.cfg.MetricsAddr != "" {
		go func() {
			srv.log.With("metricsAddress", srv.cfg.MetricsAddr).Info("Starting metrics server")
			err := srv.metricsSrv.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				srv.log.Error("HTTP server failed", "err", err)
			}
		}()
	}

	// api
	go func() {
		srv.log.Info("Starting HTTP server", "listenAddress", srv.cfg.ListenAddr)
		if err := srv.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srv.log.Error("HTTP server failed", "err", err)
		}
	}()
}

func (srv *Server) Shutdown() {
	// api
	ctx, cancel := context.WithTimeout(context.Background(), srv.cfg.GracefulShutdownDuration)
	defer cancel()
	if err := srv.srv.Shutdown(ctx); err != nil {
		srv.log.Error("Graceful HTTP server shutdown failed", "err", err)
	} else {
		srv.log.Info("HTTP server gracefully stopped")
	}

	// metrics
	if len(srv.cfg.MetricsAddr) != 0 {
		ctx, cancel := context.WithTimeout(context.Background(), srv.cfg.GracefulShutdownDuration)
		defer cancel()

		if err := srv.metricsSrv.Shutdown(ctx); err != nil {
			srv.log.Error("Graceful metrics server shutdown failed", "err", err)
		} else {
			srv.log.Info("Metrics server gracefully stopped")
		}
	}
}
