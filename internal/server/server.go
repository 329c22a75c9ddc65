// Package server exposes the orchestrator over HTTP: a JSON API for
// sessions plus a websocket that follows a session's output stream.
//
// Transport concerns stay here. Requests may name the working directory and
// session in the X-Swarm-Working-Dir and X-Swarm-Session-Id headers; the
// server resolves them and hands plain values to the orchestrator.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	stderrors "errors"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zhubert/swarm/internal/errors"
	"github.com/zhubert/swarm/internal/logger"
	"github.com/zhubert/swarm/internal/orchestrator"
)

// Request headers consulted when the body leaves a field empty.
const (
	HeaderWorkingDir = "X-Swarm-Working-Dir"
	HeaderSessionID  = "X-Swarm-Session-Id"
)

const shutdownTimeout = 15 * time.Second

// Server serves the API for one orchestrator.
type Server struct {
	orch *orchestrator.Orchestrator
	log  *logrus.Entry
	mux  *http.ServeMux
}

// New returns a Server with its routes registered.
func New(orch *orchestrator.Orchestrator) *Server {
	s := &Server{
		orch: orch,
		log:  logger.WithComponent("server"),
		mux:  http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)

	s.mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	s.mux.HandleFunc("POST /api/sessions", s.handleSpawn)
	s.mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	s.mux.HandleFunc("POST /api/sessions/{id}/cancel", s.handleCancel)
	s.mux.HandleFunc("POST /api/sessions/{id}/messages", s.handleSend)
	s.mux.HandleFunc("POST /api/sessions/{id}/finish", s.handleFinish)
	s.mux.HandleFunc("GET /api/sessions/{id}/output", s.handleOutput)
	s.mux.HandleFunc("POST /api/sessions/{id}/display", s.handleDisplay)
	s.mux.HandleFunc("GET /api/sessions/{id}/files", s.handleFiles)
	s.mux.HandleFunc("GET /api/sessions/{id}/stream", s.handleStream)

	s.mux.HandleFunc("GET /api/registry", s.handleRegistry)
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.logRequests(s.mux)
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", ln.Addr().String()).Info("listening")
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, stderrors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(start),
		}).Debug("request")
	})
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.WithError(err).Debug("failed to write response")
	}
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func (s *Server) errorResponse(w http.ResponseWriter, err error) {
	kind := errors.GetKind(err)
	status := statusFor(kind)
	if status >= 500 {
		s.log.WithError(err).Error("request failed")
	}
	s.jsonResponse(w, status, errorBody{Error: err.Error(), Kind: kind.String()})
}

func statusFor(kind errors.Kind) int {
	switch kind {
	case errors.KindNotFound:
		return http.StatusNotFound
	case errors.KindInvalid:
		return http.StatusBadRequest
	case errors.KindAlreadyTerminal:
		return http.StatusConflict
	case errors.KindTimeout:
		return http.StatusGatewayTimeout
	case errors.KindProcessSpawn:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func badRequest(msg string) error {
	return errors.E(errors.Op("server"), errors.KindInvalid, msg)
}
