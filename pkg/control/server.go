package control

import (
	"context"
	"net"
	"os"
	"sync"

	"github.com/finisv/finisv/pkg/cond"
	"github.com/finisv/finisv/pkg/reconcile"
	"github.com/finisv/finisv/pkg/registry"
	"github.com/finisv/finisv/pkg/runlevel"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Server listens on a UNIX domain socket and accepts one request per
// connection, grounded on the teacher's pkg/control/server.go (Listen,
// Chmod 0600, tracked-connection accept loop), extended with a rate
// limiter on Accept so a misbehaving or malicious local client cannot
// starve the event loop's other work by opening connections in a tight
// loop.
type Server struct {
	path string
	ln   net.Listener

	reg   *registry.Registry
	store *cond.Store
	rc    *reconcile.Reconciler
	gov   *runlevel.Governor
	log   *zap.Logger

	limiter *rate.Limiter

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// New creates a Server bound to path once Start is called. path's parent
// directory must already exist; the socket file itself is created (and
// any stale one removed) by Start.
func New(path string, reg *registry.Registry, store *cond.Store, rc *reconcile.Reconciler, gov *runlevel.Governor, log *zap.Logger) *Server {
	return &Server{
		path:    path,
		reg:     reg,
		store:   store,
		rc:      rc,
		gov:     gov,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(50), 10),
		conns:   make(map[net.Conn]struct{}),
	}
}

// Start binds the control socket, restricts it to mode 0600, and begins
// accepting connections in a background goroutine.
func (s *Server) Start(ctx context.Context) error {
	_ = os.Remove(s.path)
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", s.path)
	}
	if err := os.Chmod(s.path, 0600); err != nil {
		ln.Close()
		return errors.Wrapf(err, "chmod %s", s.path)
	}
	s.ln = ln

	go s.acceptLoop(ctx)
	return nil
}

// Stop closes the listener and every tracked connection.
func (s *Server) Stop() error {
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	s.mu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.conns = make(map[net.Conn]struct{})
	s.mu.Unlock()
	return err
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			s.log.Warn("control accept failed", zap.Error(err))
			return
		}
		s.track(conn)
		go s.serve(conn)
	}
}

func (s *Server) track(c net.Conn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) serve(conn net.Conn) {
	defer conn.Close()
	defer s.untrack(conn)

	c := &Connection{
		id:    uuid.New(),
		conn:  conn,
		reg:   s.reg,
		store: s.store,
		rc:    s.rc,
		gov:   s.gov,
		log:   s.log,
	}
	c.Handle()
}
