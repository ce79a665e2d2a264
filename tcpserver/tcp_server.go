// Package tcpserver implements the TCP side of the echo service: an accept
// loop that hands every accepted connection to a bounded worker pool as one
// session task, and the echo session itself.
package tcpserver

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyberinferno/go-echo/idgenerator"
	"github.com/cyberinferno/go-echo/logger"
	"github.com/cyberinferno/go-echo/safemap"
	"github.com/cyberinferno/go-echo/workerpool"
)

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// ErrAlreadyRunning is returned by Start when the server is running.
var ErrAlreadyRunning = errors.New("server already running")

// NewSessionFunc creates a TCPServerSession for a given connection. It
// receives the assigned session ID and the accepted net.Conn.
type NewSessionFunc func(id uint32, conn net.Conn) TCPServerSession

// TCPServer accepts TCP connections and submits one session task per
// connection to a worker pool. The accept loop is the only producer for the
// pool; it blocks on Accept and never on submission.
//
// Sessions holds every session that is queued or running, keyed by the ID
// IdGenerator assigned to it.
//
// The server does not own the pool: the caller closes it after Stop.
type TCPServer struct {
	Logger      logger.Logger
	Name        string
	Addr        string
	Pool        *workerpool.Pool
	NewSession  NewSessionFunc
	Sessions    *safemap.SafeMap[uint32, TCPServerSession]
	IdGenerator *idgenerator.IdGenerator

	listener net.Listener
	running  atomic.Bool
	mu       sync.Mutex
	done     chan struct{}
	accepted atomic.Uint64
}

// NewTCPServer creates a TCPServer. Errors on the accept path are logged
// through a throttled wrapper of log so a failing listener cannot flood the
// output.
//
// Parameters:
//   - name: Server name used in log entries
//   - addr: "host:port" to listen on
//   - pool: Worker pool that runs the sessions
//   - newSession: Session factory, e.g. NewEchoSessionFunc
//   - log: Logger; nil discards output
//
// Returns:
//   - A stopped *TCPServer; call Start to listen
func NewTCPServer(name, addr string, pool *workerpool.Pool, newSession NewSessionFunc, log logger.Logger) *TCPServer {
	return &TCPServer{
		Logger:      logger.NewThrottled(log, 10*time.Second),
		Name:        name,
		Addr:        addr,
		Pool:        pool,
		NewSession:  newSession,
		Sessions:    safemap.NewSafeMap[uint32, TCPServerSession](),
		IdGenerator: idgenerator.NewIdGenerator(0),
	}
}

// Start binds to Addr and runs the accept loop in a goroutine.
//
// Returns:
//   - ErrAlreadyRunning if the server is running
//   - A wrapped listen error if binding fails
func (s *TCPServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := logger.OrNop(s.Logger)
	if s.running.Load() {
		return fmt.Errorf("%s: %w", s.Name, ErrAlreadyRunning)
	}

	if s.Pool == nil || s.NewSession == nil || s.Sessions == nil || s.IdGenerator == nil {
		return fmt.Errorf("%s server requires a pool, a session factory, a session map and an id generator", s.Name)
	}

	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		log.Error("server failed to start", logger.Field{Key: "error", Value: err})
		return fmt.Errorf("server %s failed to start: %w", s.Name, err)
	}

	s.listener = ln
	s.done = make(chan struct{})
	s.running.Store(true)

	log.Info(fmt.Sprintf("%s server listening", s.Name), logger.Field{Key: "addr", Value: ln.Addr().String()})
	go s.AcceptLoop()

	return nil
}

// Stop closes the listener, waits for the accept loop to exit and closes
// every live session. Sessions still queued in the pool find their
// connection closed and end immediately. Safe to call when not running.
func (s *TCPServer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := logger.OrNop(s.Logger)
	if !s.running.Load() {
		log.Info(fmt.Sprintf("%s server not running", s.Name))
		return
	}

	s.running.Store(false)
	_ = s.listener.Close()
	<-s.done

	s.Sessions.Range(func(_ uint32, session TCPServerSession) bool {
		_ = session.Close()
		return true
	})

	log.Info(fmt.Sprintf("%s server stopped", s.Name), logger.Field{Key: "accepted", Value: s.accepted.Load()})
}

// ListenAddr returns the bound address, or nil when not running. Useful
// when Addr requested port 0.
func (s *TCPServer) ListenAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil || !s.running.Load() {
		return nil
	}

	return s.listener.Addr()
}

// AddSession stores a session under the given id.
func (s *TCPServer) AddSession(id uint32, session TCPServerSession) {
	s.Sessions.Store(id, session)
}

// RemoveSession removes the session with the given id.
func (s *TCPServer) RemoveSession(id uint32) {
	s.Sessions.Delete(id)
}

// GetSession returns the session for the given id, if present.
func (s *TCPServer) GetSession(id uint32) (TCPServerSession, bool) {
	return s.Sessions.Load(id)
}

// SessionCount returns the number of sessions that are queued or running.
func (s *TCPServer) SessionCount() int {
	return s.Sessions.Len()
}

// Accepted returns how many connections have been accepted since creation.
func (s *TCPServer) Accepted() uint64 {
	return s.accepted.Load()
}

// AcceptLoop accepts connections until the server is stopped. For each one
// it assigns an ID, creates a session, registers it and submits its Handle
// to the pool. Accept errors while running are logged and retried with a
// growing backoff.
func (s *TCPServer) AcceptLoop() {
	defer close(s.done)

	log := logger.OrNop(s.Logger)
	var backoff time.Duration

	for s.running.Load() {
		conn, err := s.listener.Accept()
		if err != nil {
			if !s.running.Load() || errors.Is(err, net.ErrClosed) {
				return
			}

			if backoff == 0 {
				backoff = minAcceptBackoff
			} else {
				backoff = min(backoff*2, maxAcceptBackoff)
			}

			log.Error(fmt.Sprintf("%s server accept error", s.Name),
				logger.Field{Key: "error", Value: err},
				logger.Field{Key: "retry_in", Value: backoff.String()},
			)
			time.Sleep(backoff)
			continue
		}

		backoff = 0
		s.accepted.Add(1)
		s.dispatch(conn)
	}
}

func (s *TCPServer) dispatch(conn net.Conn) {
	log := logger.OrNop(s.Logger)

	id := s.IdGenerator.Id()
	session := s.NewSession(id, conn)
	s.AddSession(id, session)

	log.Debug("connection accepted",
		logger.Field{Key: "session", Value: id},
		logger.Field{Key: "remote", Value: conn.RemoteAddr().String()},
	)

	err := s.Pool.Submit(func() {
		defer s.RemoveSession(id)
		session.Handle()
	})
	if err != nil {
		s.RemoveSession(id)
		_ = session.Close()
		log.Error("session dropped", logger.Field{Key: "session", Value: id}, logger.Field{Key: "error", Value: err})
	}
}
