// Package udpserver implements the datagram side of the echo service: every
// datagram received is sent back, byte for byte, to the address it came from.
package udpserver

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyberinferno/go-echo/logger"
)

// MaxDatagramSize is the largest UDP payload over IPv4.
const MaxDatagramSize = 65507

// ErrAlreadyRunning is returned by Start when the server is running.
var ErrAlreadyRunning = errors.New("server already running")

// UDPServer reflects datagrams. It keeps no per-peer state.
type UDPServer struct {
	Logger logger.Logger
	Name   string
	Addr   string

	mu       sync.Mutex
	conn     net.PacketConn
	running  atomic.Bool
	done     chan struct{}
	received atomic.Uint64
	echoed   atomic.Uint64
}

// NewUDPServer creates a UDPServer. Read and write errors are logged through
// a throttled wrapper of log.
//
// Parameters:
//   - name: Server name used in log entries
//   - addr: "host:port" to bind
//   - log: Logger; nil discards output
//
// Returns:
//   - A stopped *UDPServer; call Start to bind
func NewUDPServer(name, addr string, log logger.Logger) *UDPServer {
	return &UDPServer{
		Logger: logger.NewThrottled(log, 10*time.Second),
		Name:   name,
		Addr:   addr,
	}
}

// Start binds the socket and runs the reflect loop in a goroutine.
//
// Returns:
//   - ErrAlreadyRunning if the server is running
//   - A wrapped bind error
func (s *UDPServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := logger.OrNop(s.Logger)
	if s.running.Load() {
		return fmt.Errorf("%s: %w", s.Name, ErrAlreadyRunning)
	}

	conn, err := net.ListenPacket("udp", s.Addr)
	if err != nil {
		log.Error("server failed to start", logger.Field{Key: "error", Value: err})
		return fmt.Errorf("server %s failed to start: %w", s.Name, err)
	}

	s.conn = conn
	s.done = make(chan struct{})
	s.running.Store(true)

	log.Info(fmt.Sprintf("%s server listening", s.Name), logger.Field{Key: "addr", Value: conn.LocalAddr().String()})
	go s.serve()

	return nil
}

// Stop closes the socket and waits for the reflect loop to exit. Safe to
// call when not running.
func (s *UDPServer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := logger.OrNop(s.Logger)
	if !s.running.Load() {
		log.Info(fmt.Sprintf("%s server not running", s.Name))
		return
	}

	s.running.Store(false)
	_ = s.conn.Close()
	<-s.done

	log.Info(fmt.Sprintf("%s server stopped", s.Name),
		logger.Field{Key: "received", Value: s.received.Load()},
		logger.Field{Key: "echoed", Value: s.echoed.Load()},
	)
}

// ListenAddr returns the bound address, or nil when not running.
func (s *UDPServer) ListenAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil || !s.running.Load() {
		return nil
	}

	return s.conn.LocalAddr()
}

// Received returns how many datagrams have been read.
func (s *UDPServer) Received() uint64 {
	return s.received.Load()
}

// Echoed returns how many datagrams have been sent back.
func (s *UDPServer) Echoed() uint64 {
	return s.echoed.Load()
}

func (s *UDPServer) serve() {
	defer close(s.done)

	log := logger.OrNop(s.Logger)
	buf := make([]byte, MaxDatagramSize)

	for {
		n, peer, err := s.conn.ReadFrom(buf)
		if err != nil {
			if !s.running.Load() || errors.Is(err, net.ErrClosed) {
				return
			}

			log.Error(fmt.Sprintf("%s server read error", s.Name), logger.Field{Key: "error", Value: err})
			continue
		}

		s.received.Add(1)
		if _, err := s.conn.WriteTo(buf[:n], peer); err != nil {
			log.Error(fmt.Sprintf("%s server write error", s.Name),
				logger.Field{Key: "peer", Value: peer.String()},
				logger.Field{Key: "error", Value: err},
			)
			continue
		}

		s.echoed.Add(1)
		log.Debug("datagram echoed", logger.Field{Key: "peer", Value: peer.String()}, logger.Field{Key: "bytes", Value: n})
	}
}
