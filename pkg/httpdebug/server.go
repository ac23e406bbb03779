// Package httpdebug exposes a loopback-only read surface over the
// registry and condition store: /healthz, /debug/registry and
// /debug/conditions, for operator tooling and monitoring that would
// rather scrape JSON than speak the binary control protocol. Grounded on
// the chi router/middleware wiring in yairfalse-tapio's HTTP transport
// (chi.NewRouter, middleware.Recoverer/RequestID/Timeout, a small
// route group under a prefix), trimmed to this module's read-only,
// unauthenticated-but-loopback-bound surface.
package httpdebug

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/finisv/finisv/pkg/cond"
	"github.com/finisv/finisv/pkg/registry"
	"github.com/finisv/finisv/pkg/runlevel"
	"github.com/finisv/finisv/pkg/service"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Server is the debug HTTP surface. It binds to loopback only; the
// spec's security posture treats anything beyond process-local access
// as the control socket's job, not this one's.
type Server struct {
	addr   string
	router chi.Router
	srv    *http.Server
	log    *zap.Logger

	reg   *registry.Registry
	store *cond.Store
	gov   *runlevel.Governor
}

// New builds a Server bound to addr (expected to resolve to a loopback
// address; Start rejects anything else).
func New(addr string, reg *registry.Registry, store *cond.Store, gov *runlevel.Governor, log *zap.Logger) *Server {
	s := &Server{
		addr:  addr,
		log:   log,
		reg:   reg,
		store: store,
		gov:   gov,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Second))

	r.Get("/healthz", s.handleHealthz)
	r.Route("/debug", func(r chi.Router) {
		r.Get("/registry", s.handleRegistry)
		r.Get("/conditions", s.handleConditions)
	})

	s.router = r
}

// Start binds addr and begins serving in a background goroutine. It
// refuses to bind anything but a loopback address, since this surface
// carries no authentication of its own.
func (s *Server) Start() error {
	host, _, err := net.SplitHostPort(s.addr)
	if err != nil {
		return errors.Wrapf(err, "parsing debug listen address %q", s.addr)
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return errors.Errorf("debug HTTP server must bind a loopback address, got %q", host)
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", s.addr)
	}

	s.srv = &http.Server{Handler: s.router, ReadTimeout: 5 * time.Second, WriteTimeout: 5 * time.Second}
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Warn("debug http server stopped", zap.Error(err))
		}
	}()
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Close()
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"runlevel": s.gov.Current(),
	})
}

type registryEntry struct {
	Key   string `json:"key"`
	Kind  string `json:"kind"`
	State string `json:"state"`
	PID   int    `json:"pid"`
}

func (s *Server) handleRegistry(w http.ResponseWriter, r *http.Request) {
	var entries []registryEntry
	for _, rec := range s.reg.All() {
		sr, ok := rec.(*service.Record)
		if !ok {
			continue
		}
		entries = append(entries, registryEntry{
			Key:   sr.Key().String(),
			Kind:  sr.Config().Kind.String(),
			State: sr.State().String(),
			PID:   sr.PID(),
		})
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleConditions(w http.ResponseWriter, r *http.Request) {
	snap := s.store.Snapshot()
	out := make(map[string]string, len(snap))
	for path, state := range snap {
		out[path] = state.String()
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		fmt.Fprintf(w, `{"error":%q}`, err.Error())
	}
}
