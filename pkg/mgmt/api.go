// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package mgmt serves the management HTTP API of a wampd node: health
// probes, Prometheus metrics and, on proxy nodes, the lifecycle of proxy
// transports, connections and routes.
//
// # Endpoints
//
//	GET    /health /ready /live       health probes
//	GET    /metrics                   Prometheus metrics
//	GET    /proxy/{kind}              list transports, connections or routes
//	GET    /proxy/{kind}/{id}         one resource
//	POST   /proxy/{kind}              start a resource from its configuration
//	DELETE /proxy/{kind}/{id}         stop a resource
//	POST   /proxy/call/{realm}/{role}/{procedure}
//	                                  call a backend procedure
//
// Request bodies use the keys of the YAML topology file.
package mgmt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/absmach/wampd/pkg/health"
	wampderrors "github.com/absmach/wampd/pkg/errors"
	"github.com/absmach/wampd/pkg/proxy"
	"github.com/gammazero/nexus/v3/wamp"
	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
)

const maxBodySize = 1 << 20

// bodies decodes request payloads with the YAML keys of the topology file.
var bodies = jsoniter.Config{
	TagKey:                "yaml",
	DisallowUnknownFields: true,
}.Froze()

// Proxy is the part of a proxy controller the API drives.
type Proxy interface {
	StartTransport(ctx context.Context, cfg proxy.TransportConfig) error
	StopTransport(ctx context.Context, id string) error
	StartConnection(ctx context.Context, cfg proxy.ConnectionConfig) error
	StopConnection(ctx context.Context, id string) error
	StartRoute(ctx context.Context, cfg proxy.RouteConfig) error
	StopRoute(ctx context.Context, id string) error
	Resources(kind proxy.Kind) []proxy.Resource
	Resource(kind proxy.Kind, id string) (proxy.Resource, error)
	Call(ctx context.Context, realm, role string, procedure wamp.URI, args wamp.List, kwargs wamp.Dict) (*wamp.Result, error)
}

// Config configures the API.
type Config struct {
	// Proxy is nil on router nodes.
	Proxy   Proxy
	Health  *health.Checker
	Metrics http.Handler
	// CallTimeout bounds backend calls. It defaults to 10 seconds.
	CallTimeout     time.Duration
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
}

// Response is the envelope of every API answer.
type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Server is the management API.
type Server struct {
	proxy           Proxy
	callTimeout     time.Duration
	shutdownTimeout time.Duration
	logger          *slog.Logger
	router          *mux.Router
}

// New builds the API routes.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	s := &Server{
		proxy:           cfg.Proxy,
		callTimeout:     cfg.CallTimeout,
		shutdownTimeout: cfg.ShutdownTimeout,
		logger:          cfg.Logger,
		router:          mux.NewRouter(),
	}
	r := s.router
	r.Use(s.logRequests)

	if cfg.Health != nil {
		r.HandleFunc("/health", cfg.Health.HTTPHandler()).Methods(http.MethodGet)
		r.HandleFunc("/ready", cfg.Health.ReadinessHandler()).Methods(http.MethodGet)
	}
	r.HandleFunc("/live", health.LivenessHandler()).Methods(http.MethodGet)
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics).Methods(http.MethodGet)
	}

	if cfg.Proxy != nil {
		p := r.PathPrefix("/proxy").Subrouter()
		p.HandleFunc("/call/{realm}/{role}/{procedure}", s.handleCall).Methods(http.MethodPost)
		p.HandleFunc("/{kind:transports|connections|routes}", s.handleList).Methods(http.MethodGet)
		p.HandleFunc("/{kind:transports|connections|routes}", s.handleStart).Methods(http.MethodPost)
		p.HandleFunc("/{kind:transports|connections|routes}/{id}", s.handleGet).Methods(http.MethodGet)
		p.HandleFunc("/{kind:transports|connections|routes}/{id}", s.handleStop).Methods(http.MethodDelete)
	}
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Listen serves the API on ln until ctx is cancelled.
func (s *Server) Listen(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.logger.Info("management API started", slog.String("address", ln.Addr().String()))

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down management API")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("management request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Duration("duration", time.Since(start)))
	})
}

func kindOf(r *http.Request) proxy.Kind {
	switch mux.Vars(r)["kind"] {
	case "transports":
		return proxy.KindTransport
	case "connections":
		return proxy.KindConnection
	default:
		return proxy.KindRoute
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	res := s.proxy.Resources(kindOf(r))
	out := make([]wamp.Dict, len(res))
	for i, rs := range res {
		out[i] = rs.Dict()
	}
	s.sendSuccess(w, http.StatusOK, "", out)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	res, err := s.proxy.Resource(kindOf(r), mux.Vars(r)["id"])
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendSuccess(w, http.StatusOK, "", res.Dict())
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	kind := kindOf(r)
	var (
		id  string
		err error
	)
	switch kind {
	case proxy.KindTransport:
		var cfg proxy.TransportConfig
		if err = decode(r, &cfg); err == nil {
			id = cfg.ID
			err = s.proxy.StartTransport(r.Context(), cfg)
		}
	case proxy.KindConnection:
		var cfg proxy.ConnectionConfig
		if err = decode(r, &cfg); err == nil {
			id = cfg.ID
			err = s.proxy.StartConnection(r.Context(), cfg)
		}
	default:
		var cfg proxy.RouteConfig
		if err = decode(r, &cfg); err == nil {
			id = cfg.ID
			err = s.proxy.StartRoute(r.Context(), cfg)
		}
	}
	if err != nil {
		s.sendError(w, err)
		return
	}
	res, err := s.proxy.Resource(kind, id)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.logger.Info("proxy resource started through management API",
		slog.String("kind", string(kind)),
		slog.String("id", id))
	s.sendSuccess(w, http.StatusCreated, string(kind)+" started", res.Dict())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	kind := kindOf(r)
	id := mux.Vars(r)["id"]
	var err error
	switch kind {
	case proxy.KindTransport:
		err = s.proxy.StopTransport(r.Context(), id)
	case proxy.KindConnection:
		err = s.proxy.StopConnection(r.Context(), id)
	default:
		err = s.proxy.StopRoute(r.Context(), id)
	}
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendSuccess(w, http.StatusOK, string(kind)+" stopped", nil)
}

// callRequest is the optional body of a backend call.
type callRequest struct {
	Args   wamp.List `yaml:"args"`
	Kwargs wamp.Dict `yaml:"kwargs"`
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var req callRequest
	if err := decode(r, &req); err != nil {
		s.sendError(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.callTimeout)
	defer cancel()
	res, err := s.proxy.Call(ctx, vars["realm"], vars["role"], wamp.URI(vars["procedure"]), req.Args, req.Kwargs)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendSuccess(w, http.StatusOK, "", map[string]any{
		"args":   res.Arguments,
		"kwargs": res.ArgumentsKw,
	})
}

func decode(r *http.Request, v any) error {
	b, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("failed to read request body: %w", err)
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return nil
	}
	if err := bodies.Unmarshal(b, v); err != nil {
		return fmt.Errorf("invalid request body: %w: %w", err, wampderrors.ErrInvalidInput)
	}
	return nil
}

func (s *Server) sendSuccess(w http.ResponseWriter, code int, message string, data any) {
	s.write(w, code, Response{Success: true, Message: message, Data: data})
}

func (s *Server) sendError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	resp := Response{Error: err.Error()}
	var ce *proxy.CallError
	switch {
	case errors.As(err, &ce):
		code = http.StatusBadGateway
		resp.Message = string(ce.URI)
		resp.Data = ce.Args
	case errors.Is(err, wampderrors.ErrInvalidInput):
		code = http.StatusBadRequest
	case errors.Is(err, wampderrors.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, wampderrors.ErrAlreadyExists), errors.Is(err, wampderrors.ErrInvalidState):
		code = http.StatusConflict
	case errors.Is(err, wampderrors.ErrBackendUnavailable), errors.Is(err, wampderrors.ErrConnectionClosed),
		errors.Is(err, wampderrors.ErrUnauthorized):
		code = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		code = http.StatusGatewayTimeout
	}
	if code >= http.StatusInternalServerError {
		s.logger.Warn("management request failed", slog.Any("error", err))
	}
	s.write(w, code, resp)
}

func (s *Server) write(w http.ResponseWriter, code int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := jsoniter.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Debug("failed to write management response", slog.Any("error", err))
	}
}
