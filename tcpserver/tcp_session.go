package tcpserver

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/cyberinferno/go-echo/linestream"
	"github.com/cyberinferno/go-echo/logger"
)

// TCPServerSession is the interface implemented by each connection session.
// The server creates a session per accepted connection and submits its Handle
// method to the worker pool; the session owns the connection until Close.
type TCPServerSession interface {
	// ID returns the session's unique identifier assigned by the server.
	ID() uint32

	// Handle runs the session to completion. It is invoked once, on a pool
	// worker, and must close the connection before returning.
	Handle()

	// Close closes the session and releases its connection. It is safe to
	// call multiple times and from another goroutine than Handle.
	//
	// Returns:
	//   - An error if closing the connection failed
	Close() error

	// Send writes one message to the peer.
	//
	// Parameters:
	//   - message: The message to send
	//
	// Returns:
	//   - An error if the write failed
	Send(message string) error
}

// SessionMode selects how many messages an echo session exchanges.
type SessionMode string

const (
	// SingleShot echoes exactly one line and then closes the connection.
	SingleShot SessionMode = "single"
	// MultiMessage echoes lines until the peer sends an empty line or closes
	// the connection.
	MultiMessage SessionMode = "multi"
)

// ParseSessionMode validates a textual session mode.
//
// Parameters:
//   - s: "single" or "multi"; empty means "single"
//
// Returns:
//   - The SessionMode, or an error for unknown values
func ParseSessionMode(s string) (SessionMode, error) {
	switch SessionMode(s) {
	case "", SingleShot:
		return SingleShot, nil
	case MultiMessage:
		return MultiMessage, nil
	default:
		return "", fmt.Errorf("unknown session mode %q (want %q or %q)", s, SingleShot, MultiMessage)
	}
}

// SessionState is the lifecycle state of an echo session.
type SessionState int32

const (
	Established     SessionState = iota // Connection accepted, Handle not started
	AwaitingMessage                     // Blocked reading the next line
	Echoed                              // Last line was echoed back
	PeerClosed                          // Peer closed the connection cleanly
	Failed                              // Read, write or encoding error
	Closed                              // Connection released
)

// String returns a human-readable name for the session state.
func (s SessionState) String() string {
	switch s {
	case Established:
		return "Established"
	case AwaitingMessage:
		return "AwaitingMessage"
	case Echoed:
		return "Echoed"
	case PeerClosed:
		return "PeerClosed"
	case Failed:
		return "Failed"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// SessionOptions configures echo sessions.
type SessionOptions struct {
	Mode   SessionMode
	Stream linestream.Options
}

// EchoSession reads lines from its connection and writes each one back.
type EchoSession struct {
	id     uint32
	stream *linestream.Stream
	mode   SessionMode
	log    logger.Logger

	state   atomic.Int32
	outcome atomic.Int32
	echoed  atomic.Uint64

	closeOnce sync.Once
	closeErr  error
}

// NewEchoSessionFunc returns a NewSessionFunc that wraps each accepted
// connection in an EchoSession.
//
// Parameters:
//   - opts: Session mode and stream options
//   - log: Base logger; each session derives one tagged with its ID and peer
//
// Returns:
//   - A NewSessionFunc for TCPServer
func NewEchoSessionFunc(opts SessionOptions, log logger.Logger) NewSessionFunc {
	log = logger.OrNop(log)
	if opts.Mode == "" {
		opts.Mode = SingleShot
	}

	return func(id uint32, conn net.Conn) TCPServerSession {
		return NewEchoSession(id, conn, opts, log)
	}
}

// NewEchoSession wraps conn in an EchoSession. The session owns conn.
func NewEchoSession(id uint32, conn net.Conn, opts SessionOptions, log logger.Logger) *EchoSession {
	s := &EchoSession{
		id:     id,
		stream: linestream.Wrap(conn, opts.Stream),
		mode:   opts.Mode,
		log: logger.OrNop(log).With(
			logger.Field{Key: "session", Value: id},
			logger.Field{Key: "remote", Value: conn.RemoteAddr().String()},
		),
	}
	s.state.Store(int32(Established))
	s.outcome.Store(int32(Established))

	return s
}

// ID implements TCPServerSession.
func (s *EchoSession) ID() uint32 {
	return s.id
}

// State returns the current lifecycle state.
func (s *EchoSession) State() SessionState {
	return SessionState(s.state.Load())
}

// Outcome returns the state the session was in when it stopped exchanging
// messages: Echoed, PeerClosed or Failed. It is Established until then.
func (s *EchoSession) Outcome() SessionState {
	return SessionState(s.outcome.Load())
}

// Echoed returns how many lines this session has echoed.
func (s *EchoSession) Echoed() uint64 {
	return s.echoed.Load()
}

// Handle implements TCPServerSession.
func (s *EchoSession) Handle() {
	defer func() {
		_ = s.Close()
	}()

	s.log.Debug("session started", logger.Field{Key: "mode", Value: string(s.mode)})

	for {
		s.state.Store(int32(AwaitingMessage))

		msg, err := s.stream.Receive()
		switch {
		case errors.Is(err, io.EOF):
			s.finish(PeerClosed)
			s.log.Debug("peer closed connection")
			return
		case err != nil:
			s.finish(Failed)
			s.log.Warn("session read failed", logger.Field{Key: "error", Value: err})
			return
		}

		if s.mode == MultiMessage && msg == "" {
			s.finish(PeerClosed)
			s.log.Debug("session ended by empty line")
			return
		}

		if err := s.Send(msg); err != nil {
			s.finish(Failed)
			s.log.Warn("session write failed", logger.Field{Key: "error", Value: err})
			return
		}

		s.echoed.Add(1)
		s.state.Store(int32(Echoed))
		s.log.Debug("message echoed", logger.Field{Key: "bytes", Value: len(msg)})

		if s.mode != MultiMessage {
			s.finish(Echoed)
			return
		}
	}
}

// Send implements TCPServerSession.
func (s *EchoSession) Send(message string) error {
	return s.stream.Send(message)
}

// Close implements TCPServerSession.
func (s *EchoSession) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.stream.Close()
	})
	s.state.Store(int32(Closed))

	return s.closeErr
}

func (s *EchoSession) finish(outcome SessionState) {
	s.state.Store(int32(outcome))
	s.outcome.CompareAndSwap(int32(Established), int32(outcome))
}
