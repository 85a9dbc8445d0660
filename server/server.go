// Package server is the HTTP layer: routing, middleware, and the JSON
// glue between the wire and the engines.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/ephemera-project/ephemera/config"
	"github.com/ephemera-project/ephemera/devices"
	"github.com/ephemera-project/ephemera/internal/logger"
	"github.com/ephemera-project/ephemera/internal/metrics"
	"github.com/ephemera-project/ephemera/pkg/health"
	"github.com/ephemera-project/ephemera/service"
)

// Server wires the service surface into an http.Server.
type Server struct {
	cfg     *config.Config
	svc     *service.Service
	checker *health.Checker
	devices *devices.Registry
	log     logger.Logger

	limiter *ipLimiter
	httpSrv *http.Server
}

// New creates the HTTP server. The device registry may be nil for
// community deployments.
func New(cfg *config.Config, svc *service.Service, checker *health.Checker, reg *devices.Registry, log logger.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		svc:     svc,
		checker: checker,
		devices: reg,
		log:     log,
	}
	if cfg.Server.RateLimit != nil && cfg.Server.RateLimit.Enabled {
		s.limiter = newIPLimiter(cfg.Server.RateLimit.RPS, cfg.Server.RateLimit.Burst)
	}
	return s
}

// Router builds the full route table.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(s.handleNotFound)
	r.MethodNotAllowedHandler = http.HandlerFunc(s.handleMethodNotAllowed)

	// Legacy action dispatcher.
	r.HandleFunc("/api/relay", s.instrument("relay", s.withRateLimit(s.handleRelayAction))).Methods(http.MethodPost)

	// Envelope handshake REST.
	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/sessions", s.instrument("sessions_create", s.handleCreateSession)).Methods(http.MethodPost)
	v1.HandleFunc("/sessions/resolve", s.instrument("sessions_resolve", s.withRateLimit(s.handleResolvePIN))).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/{id}/offer", s.instrument("offer_post", s.handlePostOffer)).Methods(http.MethodPost)
	v1.HandleFunc("/sessions/{id}/offer", s.instrument("offer_get", s.handleGetOffer)).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/{id}/answer", s.instrument("answer_post", s.handlePostAnswer)).Methods(http.MethodPost)
	v1.HandleFunc("/sessions/{id}/answer", s.instrument("answer_get", s.handleGetAnswer)).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/{id}", s.instrument("sessions_delete", s.handleDeleteSession)).Methods(http.MethodDelete)

	// Realtime signaling channel.
	v1.HandleFunc("/signal/ws", s.handleSignalSocket).Methods(http.MethodGet)

	// Ancillary.
	v1.HandleFunc("/edition", s.instrument("edition", s.handleEdition)).Methods(http.MethodGet)
	r.HandleFunc("/health", s.instrument("health", s.handleHealth)).Methods(http.MethodGet)

	if s.cfg.Metrics != nil && s.cfg.Metrics.Enabled {
		r.Handle(s.cfg.Metrics.Path, metrics.Handler()).Methods(http.MethodGet)
	}

	// Enterprise surface.
	if s.cfg.Edition.IsEnterprise() && s.devices != nil {
		ent := v1.PathPrefix("/devices").Subrouter()
		ent.Use(s.requireBearer, s.auditTrail)
		ent.HandleFunc("", s.instrument("devices_register", s.handleRegisterDevice)).Methods(http.MethodPost)
		ent.HandleFunc("", s.instrument("devices_list", s.handleListDevices)).Methods(http.MethodGet)
		ent.HandleFunc("/{id}/heartbeat", s.instrument("devices_heartbeat", s.handleDeviceHeartbeat)).Methods(http.MethodPost)
		ent.HandleFunc("/{id}", s.instrument("devices_delete", s.handleDeleteDevice)).Methods(http.MethodDelete)
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   s.cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: false,
		MaxAge:           300,
	})

	return c.Handler(s.securityHeaders(s.bodyLimit(r)))
}

// Start begins serving and blocks until the listener fails or Shutdown
// is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.log.Info("starting relay server",
		logger.String("addr", addr),
		logger.String("edition", s.cfg.Edition.Name),
		logger.String("backend", s.cfg.Storage.Backend()))

	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// writeJSON writes body with the given status.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, "not_found")
}

func (s *Server) handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
}
