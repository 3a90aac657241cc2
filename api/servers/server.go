package servers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/flashbots/go-utils/httplogger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/ruteri/oidfed-trust-anchor/api"
	"github.com/ruteri/oidfed-trust-anchor/api/adminauth"
	"github.com/ruteri/oidfed-trust-anchor/metrics"
	"go.uber.org/atomic"
)

// RouteRegistrar mounts a handler's public routes.
type RouteRegistrar interface {
	RegisterRoutes(r chi.Router)
}

// AdminRouteRegistrar is implemented by handlers that also expose routes
// requiring admin authorization.
type AdminRouteRegistrar interface {
	RegisterAdminRoutes(r chi.Router)
}

type Server struct {
	cfg     *api.HTTPServerConfig
	isReady atomic.Bool
	log     *slog.Logger

	srv        *http.Server
	metricsSrv *metrics.MetricsServer
	handlers   []RouteRegistrar
	adminAuth  *adminauth.HTTPVerifier
}

// New builds the API server for handlers. Admin routes are guarded by bearer
// tokens when cfg.AdminKey is set.
func New(cfg *api.HTTPServerConfig, counters *metrics.Counters, handlers ...RouteRegistrar) (srv *Server, err error) {
	metricsSrv, err := metrics.New(cfg.MetricsAddr, counters)
	if err != nil {
		return nil, err
	}

	var adminAuth *adminauth.HTTPVerifier
	if cfg.AdminKey != nil {
		if len(cfg.AdminKey) < adminauth.MinKeyLength {
			return nil, fmt.Errorf("admin key: %w", adminauth.ErrShortKey)
		}
		adminAuth = &adminauth.HTTPVerifier{Key: cfg.AdminKey, Log: cfg.Log}
	}

	srv = &Server{
		cfg:        cfg,
		log:        cfg.Log,
		metricsSrv: metricsSrv,
		handlers:   handlers,
		adminAuth:  adminAuth,
	}
	srv.isReady.Store(true)

	srv.srv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return srv, nil
}

// Router returns the complete route tree.
func (srv *Server) Router() http.Handler {
	mux := chi.NewRouter()
	mux.Use(srv.httpLogger)

	for _, h := range srv.handlers {
		h.RegisterRoutes(mux)
	}

	mux.Group(func(r chi.Router) {
		if srv.adminAuth != nil {
			r.Use(srv.adminAuth.Middleware)
		} else {
			srv.log.Warn("admin routes are not protected, no admin key configured")
		}
		for _, h := range srv.handlers {
			if admin, ok := h.(AdminRouteRegistrar); ok {
				admin.RegisterAdminRoutes(r)
			}
		}
	})

	mux.Get("/livez", srv.handleLivenessCheck)
	mux.Get("/readyz", srv.handleReadinessCheck)
	mux.Get("/drain", srv.handleDrain)
	mux.Get("/undrain", srv.handleUndrain)

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
	api.WriteJSON(w, http.StatusOK, api.StatusResponse{Status: "alive"})
}

func (srv *Server) handleReadinessCheck(w http.ResponseWriter, r *http.Request) {
	if !srv.isReady.Load() {
		api.WriteJSON(w, http.StatusServiceUnavailable, api.StatusResponse{Status: "not ready"})
		return
	}
	api.WriteJSON(w, http.StatusOK, api.StatusResponse{Status: "ready"})
}

func (srv *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	if !srv.isReady.Swap(false) {
		api.WriteJSON(w, http.StatusOK, api.StatusResponse{Status: "already draining"})
		return
	}
	srv.log.Info("Server marked as not ready")
	api.WriteJSON(w, http.StatusOK, api.StatusResponse{Status: "draining"})
}

func (srv *Server) handleUndrain(w http.ResponseWriter, r *http.Request) {
	if srv.isReady.Swap(true) {
		api.WriteJSON(w, http.StatusOK, api.StatusResponse{Status: "already ready"})
		return
	}
	srv.log.Info("Server marked as ready")
	api.WriteJSON(w, http.StatusOK, api.StatusResponse{Status: "ready"})
}

func (srv *Server) RunInBackground() {
	if srv.cfg.MetricsAddr != "" {
		go func() {
			srv.log.With("metricsAddress", srv.cfg.MetricsAddr).Info("Starting metrics server")
			err := srv.metricsSrv.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				srv.log.Error("Metrics server failed", "err", err)
			}
		}()
	}

	go func() {
		srv.log.Info("Starting HTTP server", "listenAddress", srv.cfg.ListenAddr)
		if err := srv.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srv.log.Error("HTTP server failed", "err", err)
		}
	}()
}

// Shutdown marks the server not ready, waits DrainDuration and then stops the
// API and metrics servers gracefully.
func (srv *Server) Shutdown() {
	if srv.isReady.Swap(false) && srv.cfg.DrainDuration > 0 {
		srv.log.Info("Draining before shutdown", "duration", srv.cfg.DrainDuration)
		time.Sleep(srv.cfg.DrainDuration)
	}

	ctx, cancel := context.WithTimeout(context.Background(), srv.cfg.GracefulShutdownDuration)
	defer cancel()
	if err := srv.srv.Shutdown(ctx); err != nil {
		srv.log.Error("Graceful HTTP server shutdown failed", "err", err)
	} else {
		srv.log.Info("HTTP server gracefully stopped")
	}

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
