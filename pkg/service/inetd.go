package service

import (
	"net"
	"os"
	"sync"

	"github.com/finisv/finisv/pkg/process"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// InetdFilterAction is one entry of an inetd record's ordered accept
// filter list.
type InetdFilterAction uint8

const (
	FilterAllow InetdFilterAction = iota
	FilterDeny
)

// InetdFilter gates connection acceptance by the name of the network
// interface the listening socket is bound to. Rules are evaluated in
// declaration order; the first match wins, matching the spec's "first
// match wins" filter semantics.
type InetdFilter struct {
	Action    InetdFilterAction
	Interface string
}

// bringUpInetd opens the listening socket described by the record's
// configuration and stores it on the record; unlike every other kind,
// reaching Running here does not mean a process is alive yet, only that
// the socket exists. Nothing in the supervisor calls Accept on it: the
// event loop does not watch inetd listeners, and AcceptConnection is
// reached only from tests.
func (r *Record) bringUpInetd() error {
	if r.inetd == nil {
		return errors.New("inetd record missing listen configuration")
	}
	ln, err := net.Listen(r.inetd.Network, r.inetd.Address)
	if err != nil {
		return errors.Wrapf(err, "listening on %s %s", r.inetd.Network, r.inetd.Address)
	}
	r.inetd.mu.Lock()
	r.inetd.listener = ln
	r.inetd.mu.Unlock()
	r.pid = 0
	return nil
}

// InetdState holds the extra bookkeeping an inetd-type record needs beyond
// the shared Record fields: the listening socket and its accept filters.
// Kept as a pointer field on Record rather than folding into Config so
// that non-inetd records pay nothing for it.
type InetdState struct {
	mu        sync.Mutex
	Network   string
	Address   string
	Filters   []InetdFilter
	listener  net.Listener
}

// WithInetd attaches inetd-specific listen configuration, called by the
// reconciler right after New for inetd-kind records.
func (r *Record) WithInetd(st *InetdState) *Record {
	r.inetd = st
	return r
}

// Listener returns the record's current listening socket, or nil if it is
// not Running. The event loop does not use it; the control server's
// inetd-query does.
func (r *Record) Listener() net.Listener {
	if r.inetd == nil {
		return nil
	}
	r.inetd.mu.Lock()
	defer r.inetd.mu.Unlock()
	return r.inetd.listener
}

// AcceptConnection handles one accepted connection; no supervisor code
// path calls it (the event loop never accepts on inetd listeners), only
// tests do. It applies the filter chain, then spawns
// a child with the connection's file descriptor wired to stdin/stdout,
// the traditional inetd handoff.
func (r *Record) AcceptConnection(conn net.Conn) {
	if !r.passesFilters(conn) {
		r.log.Debug("inetd connection rejected by filter", zap.String("service", r.key.String()))
		conn.Close()
		return
	}

	f, err := connFile(conn)
	if err != nil {
		r.log.Warn("inetd connection has no dup-able fd", zap.Error(err))
		conn.Close()
		return
	}
	defer conn.Close()

	sp, err := process.Spawn(process.Params{
		Argv:   r.cfg.Argv,
		Dir:    r.cfg.Dir,
		Env:    r.cfg.Env,
		Stdin:  f,
		Stdout: f,
		Stderr: os.Stderr,
		Setsid: false,
	})
	if err != nil {
		r.log.Warn("inetd spawn failed", zap.Error(err))
		return
	}
	r.log.Info("inetd spawned connection handler", zap.Int("pid", sp.PID), zap.String("service", r.key.String()))
	// Connection handler children are fire-and-forget: they are not
	// tracked in the registry's PID index because inetd records keep
	// exactly one state (Running == listening), not one per connection.
	// The Child Supervisor's reaper still reaps them; NotifyExit simply
	// finds no matching record and discards the exit.
}

func (r *Record) passesFilters(conn net.Conn) bool {
	if r.inetd == nil || len(r.inetd.Filters) == 0 {
		return true
	}
	localIface := interfaceForAddr(conn.LocalAddr())
	for _, f := range r.inetd.Filters {
		if f.Interface == localIface || f.Interface == "*" {
			return f.Action == FilterAllow
		}
	}
	return true
}

func interfaceForAddr(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return ""
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return ""
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if ipNet, ok := a.(*net.IPNet); ok && ipNet.IP.Equal(ip) {
				return iface.Name
			}
		}
	}
	return ""
}

// connFile extracts a dup'd *os.File from a connection, when the
// underlying transport supports it (TCP and Unix listeners do).
func connFile(conn net.Conn) (*os.File, error) {
	type filer interface {
		File() (*os.File, error)
	}
	fc, ok := conn.(filer)
	if !ok {
		return nil, errors.New("connection type does not support File()")
	}
	return fc.File()
}
