// Package linestream turns a bidirectional byte-stream connection into a
// request/response API framed by '\n'.
//
// A Stream keeps one read-ahead buffer over the connection's readable side and
// one write buffer over its writable side. A message is every byte up to, and
// excluding, the first '\n'. Send appends exactly one '\n' and flushes once, so
// a message is never left half-written in the buffer.
//
// A Stream has a single reader and a single writer. It does no locking of its
// own; callers must not issue concurrent Receive calls or concurrent Send
// calls on the same Stream.
package linestream

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// DefaultReadBufferSize is the read-ahead buffer size used when
	// Options.ReadBufferSize is not set.
	DefaultReadBufferSize = 4096

	// DefaultWriteBufferSize is the write buffer size used when
	// Options.WriteBufferSize is not set.
	DefaultWriteBufferSize = 4096

	// DefaultDialTimeout bounds Connect when Options.DialTimeout is not set.
	DefaultDialTimeout = 10 * time.Second

	delimiter = '\n'
)

var (
	// ErrEmbeddedNewline is returned by Send when the message contains the
	// delimiter and so cannot be framed as a single line.
	ErrEmbeddedNewline = errors.New("message contains a newline")

	// ErrInvalidEncoding is returned by Receive when a line is not valid UTF-8.
	ErrInvalidEncoding = errors.New("received line is not valid UTF-8")
)

// Options configures a Stream. The zero value is usable.
type Options struct {
	// ReadBufferSize is the read-ahead buffer size in bytes. Lines longer
	// than this are still delivered whole.
	ReadBufferSize int
	// WriteBufferSize is the write buffer size in bytes.
	WriteBufferSize int
	// TrimCR strips a single '\r' immediately before the '\n' on Receive, so
	// that "\r\n" terminated peers are understood. Off by default.
	TrimCR bool
	// ReadTimeout bounds each Receive; 0 means no deadline.
	ReadTimeout time.Duration
	// WriteTimeout bounds each Send; 0 means no deadline.
	WriteTimeout time.Duration
	// DialTimeout bounds Connect; 0 means DefaultDialTimeout.
	DialTimeout time.Duration
}

func (o *Options) applyDefaults() {
	if o.ReadBufferSize <= 0 {
		o.ReadBufferSize = DefaultReadBufferSize
	}

	if o.WriteBufferSize <= 0 {
		o.WriteBufferSize = DefaultWriteBufferSize
	}

	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
}

// Stream is a line-framed, buffered duplex stream over a net.Conn.
type Stream struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	opts   Options

	// partial holds the start of a line whose read failed, e.g. on a deadline.
	partial []byte
}

// Connect dials a TCP connection to address and wraps it.
//
// Parameters:
//   - ctx: Cancels the dial; it is not retained after Connect returns
//   - address: "host:port" to connect to
//   - opts: Stream options; DialTimeout bounds the dial
//
// Returns:
//   - The connected *Stream
//   - The dialer's error, wrapped, if the connection could not be made
//     (refused, unreachable, timeout)
func Connect(ctx context.Context, address string, opts Options) (*Stream, error) {
	opts.applyDefaults()

	dialer := net.Dialer{Timeout: opts.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", address, err)
	}

	return Wrap(conn, opts), nil
}

// Wrap wraps an already established connection, e.g. one returned by
// net.Listener.Accept. The Stream takes ownership of conn.
//
// Parameters:
//   - conn: An open connection
//   - opts: Stream options
//
// Returns:
//   - A *Stream reading from and writing to conn
func Wrap(conn net.Conn, opts Options) *Stream {
	opts.applyDefaults()

	return &Stream{
		conn:   conn,
		reader: bufio.NewReaderSize(conn, opts.ReadBufferSize),
		writer: bufio.NewWriterSize(conn, opts.WriteBufferSize),
		opts:   opts,
	}
}

// Send writes message followed by a single '\n' and flushes.
//
// Parameters:
//   - message: The line to send, without a terminator
//
// Returns:
//   - ErrEmbeddedNewline if message contains '\n'; nothing is written
//   - The wrapped transport error if writing or flushing fails. No guarantee
//     is made about how many bytes reached the peer in that case.
func (s *Stream) Send(message string) error {
	if strings.IndexByte(message, delimiter) >= 0 {
		return ErrEmbeddedNewline
	}

	if s.opts.WriteTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout)); err != nil {
			return fmt.Errorf("set write deadline: %w", err)
		}
	}

	if _, err := s.writer.WriteString(message); err != nil {
		return fmt.Errorf("send: %w", err)
	}

	if err := s.writer.WriteByte(delimiter); err != nil {
		return fmt.Errorf("send: %w", err)
	}

	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("send: %w", err)
	}

	return nil
}

// Receive reads the next line and returns it without its terminator.
//
// Returns:
//   - The line and nil on success. A final line that ends at end-of-stream
//     without a '\n' is returned with a nil error; the next call reports
//     io.EOF.
//   - "" and io.EOF when the peer closed the connection cleanly before
//     sending any byte of a new line
//   - ErrInvalidEncoding if the line is not valid UTF-8
//   - The wrapped transport error for any other failure. Bytes of the line
//     read before the error are kept, and a later Receive returns them as
//     the start of the line, so a read timeout can be retried.
func (s *Stream) Receive() (string, error) {
	if s.opts.ReadTimeout > 0 {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout)); err != nil {
			return "", fmt.Errorf("set read deadline: %w", err)
		}
	}

	line, err := s.reader.ReadBytes(delimiter)
	if len(s.partial) > 0 {
		line = append(s.partial, line...)
		s.partial = nil
	}

	if err != nil {
		if !errors.Is(err, io.EOF) {
			s.partial = line
			return "", fmt.Errorf("receive: %w", err)
		}

		if len(line) == 0 {
			return "", io.EOF
		}
	}

	line = bytes.TrimSuffix(line, []byte{delimiter})
	if s.opts.TrimCR {
		line = bytes.TrimSuffix(line, []byte{'\r'})
	}

	if !utf8.Valid(line) {
		return "", ErrInvalidEncoding
	}

	return string(line), nil
}

// CloseWrite shuts down the writing side of the connection when the
// transport supports it, signalling end-of-stream to the peer while still
// allowing Receive.
func (s *Stream) CloseWrite() error {
	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("close write: %w", err)
	}

	cw, ok := s.conn.(interface{ CloseWrite() error })
	if !ok {
		return fmt.Errorf("close write: %T does not support half-close", s.conn)
	}

	return cw.CloseWrite()
}

// Close closes the underlying connection. Buffered but unsent output is
// discarded; Send always flushes, so there is none after a successful Send.
func (s *Stream) Close() error {
	return s.conn.Close()
}

// LocalAddr returns the local network address of the connection.
func (s *Stream) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// RemoteAddr returns the remote network address of the connection.
func (s *Stream) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}
