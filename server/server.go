// Package goserver is the top-level dispatcher surface: listen sockets
// bound to a completion ring, a bounded worker pool running handler
// code, and graceful shutdown, matching spec §4.7.
package goserver

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"

	"github.com/rs/zerolog"

	"github.com/kfcemployee/goserver/internal/parking"
	"github.com/kfcemployee/goserver/internal/ring"
	"github.com/kfcemployee/goserver/internal/transport"
	"github.com/kfcemployee/goserver/server/router"
)

const (
	backlog        = 1024 // listen backlog, generalized from the teacher's fixed 16
	defaultReadBuf = 1 << 16
	defaultKATimeo = 75
)

// Option configures a Server at construction time.
type Option func(*Config)

// Config holds the dispatcher's tunables. Zero-value Config is filled
// in with defaults by New; there is no file/env parsing layer (Non-goal).
type Config struct {
	MaxConnections int
	Workers        int
	ReadBufferSize int
	KeepAliveSecs  int
	RingEntries    int
	Logger         zerolog.Logger
}

// WithMaxConnections bounds how many sessions the server keeps open at
// once; a connection accepted beyond that bound is closed immediately.
// Zero means unbounded.
func WithMaxConnections(n int) Option { return func(c *Config) { c.MaxConnections = n } }

// WithWorkers sets the worker pool's concurrency bound. Defaults to
// runtime.NumCPU(), mirroring the teacher's fixed worker count.
func WithWorkers(n int) Option { return func(c *Config) { c.Workers = n } }

// WithReadBufferSize sets the size of buffers pulled from each
// session's refbuf pool.
func WithReadBufferSize(n int) Option { return func(c *Config) { c.ReadBufferSize = n } }

// WithKeepAliveTimeout sets the advisory Keep-Alive timeout, in seconds.
func WithKeepAliveTimeout(secs int) Option { return func(c *Config) { c.KeepAliveSecs = secs } }

// WithLogger installs a zerolog.Logger; the default is a disabled logger.
func WithLogger(l zerolog.Logger) Option { return func(c *Config) { c.Logger = l } }

func defaultConfig() Config {
	return Config{
		MaxConnections: 0, // unbounded
		Workers:        runtime.NumCPU(),
		ReadBufferSize: defaultReadBuf,
		KeepAliveSecs:  defaultKATimeo,
		RingEntries:    256,
		Logger:         zerolog.Nop(),
	}
}

// serverStatus mirrors the spec's dispatcher status (Running/Stopping).
type serverStatus int32

const (
	statusRunning serverStatus = iota
	statusStopping
)

// listener is one accepting socket the dispatcher polls for new
// connections. Each accept event carries the listener's fd in ListenFD,
// and listenerFor maps it back to the socket (spec §4.7 step 1).
type listener struct {
	fd   int
	addr string
}

// Server is the dispatcher: it embeds *router.Router so GET/POST/Use/
// Group/Host are promoted onto Server itself, matching the teacher's
// sketched server.go surface (server/server.go in the teacher repo).
type Server struct {
	*router.Router

	cfg      Config
	mainRing ring.Ring
	sem      *semaphore.Weighted

	listeners []*listener
	sessions  map[int]*transport.Session

	sessMu parking.Mutex

	status atomic.Int32
}

// New constructs a Server, creating its main completion ring.
func New(opts ...Option) (*Server, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	r, err := ring.New(cfg.RingEntries)
	if err != nil {
		return nil, fmt.Errorf("goserver: creating main ring: %w", err)
	}

	s := &Server{
		Router:   router.New(),
		cfg:      cfg,
		mainRing: r,
		sem:      semaphore.NewWeighted(int64(cfg.Workers)),
		sessions: make(map[int]*transport.Session),
	}
	return s, nil
}

// Listen opens a non-blocking TCP listening socket bound to addr
// ("host:port", "" host means INADDR_ANY; port 0 picks an ephemeral
// port) and registers it with the dispatcher. Returns the bound
// address (useful when port 0 was requested).
func (s *Server) Listen(addr string) (string, error) {
	ip, port, err := parseHostPort(addr)
	if err != nil {
		return "", err
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return "", fmt.Errorf("goserver: socket: %w", err)
	}
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)

	sa := &unix.SockaddrInet4{Port: port, Addr: ip}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return "", fmt.Errorf("goserver: bind: %w", err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return "", fmt.Errorf("goserver: listen: %w", err)
	}

	bound, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return "", fmt.Errorf("goserver: getsockname: %w", err)
	}
	boundAddr := bound.(*unix.SockaddrInet4)

	s.listeners = append(s.listeners, &listener{fd: fd, addr: addr})
	s.cfg.Logger.Debug().Int("fd", fd).Msg("listening")

	return fmt.Sprintf("%d.%d.%d.%d:%d",
		boundAddr.Addr[0], boundAddr.Addr[1], boundAddr.Addr[2], boundAddr.Addr[3], boundAddr.Port), nil
}

// ListenUnix opens a non-blocking Unix domain listening socket at path.
func (s *Server) ListenUnix(path string) error {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return fmt.Errorf("goserver: socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return fmt.Errorf("goserver: bind: %w", err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return fmt.Errorf("goserver: listen: %w", err)
	}
	s.listeners = append(s.listeners, &listener{fd: fd, addr: path})
	return nil
}

// Run drives the main dispatch loop until Stop is called. It posts an
// initial accept for every registered listener, then repeatedly pulls
// one completion and dispatches it (spec §4.7 main loop).
func (s *Server) Run() error {
	if len(s.listeners) == 0 {
		return fmt.Errorf("goserver: Run called with no listeners")
	}
	for _, l := range s.listeners {
		if err := s.postAccept(l); err != nil {
			return err
		}
	}

	for {
		c, err := s.mainRing.CQE()
		if err != nil {
			s.cfg.Logger.Error().Err(err).Msg("ring CQE")
			continue
		}

		if s.handleCompletion(c) {
			return s.shutdown()
		}
	}
}

// handleCompletion dispatches one completion and reports whether the
// dispatcher should now shut down.
func (s *Server) handleCompletion(c ring.Completion) bool {
	ev := transport.EventFromTag(c.UserData)
	if ev == nil {
		return false
	}

	if c.Op() == ring.OpCancel {
		if err := c.AsCancel(); err != nil {
			s.cfg.Logger.Debug().Err(err).Msg("cancel completion")
		}
		if ev.Session != nil {
			ev.Session.ClearActiveOp()
			s.reapIfClosable(ev.Session)
		}
		return false
	}

	switch ev.Kind {
	case transport.EventAccept:
		s.handleAccept(c, ev)
	case transport.EventReadBuffer:
		ev.Session.ReceiveRead(c, ev.Buffer)
		s.reapIfClosable(ev.Session)
	case transport.EventCloseStream:
		s.handleCloseStream(ev)
	case transport.EventCancelReadBuffer:
		if ev.Session != nil {
			ev.Session.ClearActiveOp()
			s.reapIfClosable(ev.Session)
		}
	case transport.EventCheckServerStatus:
		if serverStatus(s.status.Load()) == statusStopping {
			return true
		}
	}
	return false
}

func (s *Server) handleAccept(c ring.Completion, ev *transport.ServerEvent) {
	l := s.listenerFor(ev.ListenFD)
	if l == nil {
		return
	}
	if err := s.postAccept(l); err != nil {
		s.cfg.Logger.Error().Err(err).Msg("re-posting accept")
	}

	fd, err := c.AsAccept()
	if err != nil {
		s.cfg.Logger.Debug().Err(err).Msg("accept")
		return
	}
	unix.SetNonblock(fd, true)
	s.setupNewSession(fd)
}

func (s *Server) listenerFor(fd int) *listener {
	for _, l := range s.listeners {
		if l.fd == fd {
			return l
		}
	}
	return nil
}

// postAccept stages an accept SQE for l. If the ring's software
// staging queue is momentarily full it forces a Submit to drain it and
// retries — called only from the dispatch loop's own goroutine, so it
// never parks waiting for room (nothing else would be left to pull a
// CQE). The server has no sq_available condition: other submitters,
// such as a stream's writeSlice on its sub-ring, get
// ring.ErrSubmissionQueueFull back and do not wait or retry.
func (s *Server) postAccept(l *listener) error {
	ev := &transport.ServerEvent{Kind: transport.EventAccept, ListenFD: l.fd}
	tag := transport.TagEvent(ev)
	for {
		err := s.mainRing.Accept(l.fd, tag)
		if err == nil {
			return nil
		}
		if err != ring.ErrSubmissionQueueFull {
			return err
		}
		if _, err := s.mainRing.Submit(0); err != nil {
			return err
		}
	}
}

// setupNewSession creates a Session for a freshly accepted fd, opens
// its HTTP/1 stream, wires OnTransaction to the worker pool, and posts
// the initial read (spec §4.7 "setup_new_session"). A connection
// arriving once MaxConnections sessions are already open is refused
// outright.
func (s *Server) setupNewSession(fd int) {
	s.sessMu.Lock()
	atLimit := s.cfg.MaxConnections > 0 && len(s.sessions) >= s.cfg.MaxConnections
	s.sessMu.Unlock()
	if atLimit {
		unix.Close(fd)
		return
	}

	sess := transport.NewSession(fd, s.mainRing, s.cfg.ReadBufferSize, transport.KeepAliveConfig{
		Enabled: true,
		Timeout: s.cfg.KeepAliveSecs,
	})
	sess.OnTransaction = s.dispatchTransaction

	s.sessMu.Lock()
	s.sessions[fd] = sess
	s.sessMu.Unlock()

	sess.OpenStream()
	if err := sess.SetReadBuffer(); err != nil {
		s.cfg.Logger.Error().Err(err).Msg("initial read")
	}
}

// handleCloseStream implements spec §4.7 step 2's CloseStream branch:
// if a transaction is still in flight for the stream, the event is
// re-posted as a nop so it's revisited next turn; otherwise the stream
// is dropped from its session and the session reaped if it may go.
func (s *Server) handleCloseStream(ev *transport.ServerEvent) {
	if ev.Stream.TransactionInProgress() {
		tag := transport.TagEvent(ev)
		_ = s.mainRing.Nop(tag)
		return
	}
	ev.Session.RemoveStream(ev.Stream)
	s.reapIfClosable(ev.Session)
}

func (s *Server) reapIfClosable(sess *transport.Session) {
	if !sess.CheckClosing() {
		return
	}
	sess.Destroy()
	unix.Close(sess.FD)

	s.sessMu.Lock()
	delete(s.sessions, sess.FD)
	s.sessMu.Unlock()
}

// dispatchTransaction is Session.OnTransaction: it schedules handler
// execution onto the bounded worker pool, handling overload and panic
// recovery per spec §4.7/§7.
func (s *Server) dispatchTransaction(tx *transport.Transaction) {
	if !s.sem.TryAcquire(1) {
		s.cfg.Logger.Warn().Msg("worker pool saturated, responding 429")
		tx.ResetResponse(429)
		_ = tx.WriteBodyNoContent()
		tx.Deinit()
		return
	}

	go func() {
		defer s.sem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				s.cfg.Logger.Error().Interface("panic", r).Msg("handler panic recovered")
				tx.ResetResponse(500)
				_ = tx.WriteBodyNoContent()
			}
			tx.Deinit()
		}()

		if !s.Router.Serve(tx) {
			tx.ResetResponse(404)
			_ = tx.WriteBodyNoContent()
		}
	}()
}

// Stop marks the server Stopping and wakes the dispatch loop with a
// tagged CheckServerStatus nop, per spec §4.7 "Shutdown".
func (s *Server) Stop() {
	s.status.Store(int32(statusStopping))
	ev := &transport.ServerEvent{Kind: transport.EventCheckServerStatus}
	tag := transport.TagEvent(ev)
	_ = s.mainRing.Nop(tag)
	_, _ = s.mainRing.Submit(0)
}

// shutdown joins the worker pool — waiting for every in-flight handler
// goroutine spawned by dispatchTransaction to finish and release its
// slot — before destroying any session (closing sockets, freeing
// buffers) or listening socket, then returns nil so Run's caller sees a
// clean exit. Joining first matters: a handler still running past this
// point would call tx.Deinit -> writeSlice -> ring.Send on an fd this
// function is about to close.
func (s *Server) shutdown() error {
	if err := s.sem.Acquire(context.Background(), int64(s.cfg.Workers)); err != nil {
		s.cfg.Logger.Error().Err(err).Msg("joining worker pool")
	} else {
		s.sem.Release(int64(s.cfg.Workers))
	}

	s.sessMu.Lock()
	sessions := make([]*transport.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessMu.Unlock()

	for _, sess := range sessions {
		sess.Close()
		sess.Destroy()
		unix.Close(sess.FD)
	}
	s.sessMu.Lock()
	s.sessions = make(map[int]*transport.Session)
	s.sessMu.Unlock()

	for _, l := range s.listeners {
		unix.Close(l.fd)
	}
	return s.mainRing.Close()
}

// Serve is the embedded convenience helper spec §6 describes: it
// starts a listener on 127.0.0.1:0 and runs the dispatcher on a
// spawned goroutine, returning the bound address and a stop function.
func Serve(ctx context.Context, opts ...Option) (addr string, stop func(), err error) {
	s, err := New(opts...)
	if err != nil {
		return "", nil, err
	}
	addr, err = s.Listen("127.0.0.1:0")
	if err != nil {
		return "", nil, err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := s.Run(); err != nil {
			s.cfg.Logger.Error().Err(err).Msg("dispatcher exited")
		}
	}()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	stop = func() {
		s.Stop()
		<-done
	}
	return addr, stop, nil
}
