// Package echoclient sends messages to an echo server over TCP or UDP and
// returns the replies.
//
// Over TCP a message is one '\n'-terminated line exchanged through a
// linestream.Stream. Over UDP a message is one datagram and the reply is the
// next datagram received on the same socket.
package echoclient

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
	"unicode/utf8"

	"github.com/cyberinferno/go-echo/linestream"
	"github.com/cyberinferno/go-echo/logger"
	"github.com/cyberinferno/go-echo/udpserver"
)

// Mode selects the transport.
type Mode string

const (
	TCP Mode = "tcp"
	UDP Mode = "udp"
)

// DefaultTimeout bounds dialing and waiting for a reply when
// Config.Timeout is not set.
const DefaultTimeout = 10 * time.Second

var (
	// ErrNoReply is returned when the server closed the connection without
	// sending a reply.
	ErrNoReply = errors.New("connection closed before a reply was received")

	// ErrDatagramTooLarge is returned for UDP messages that do not fit in one
	// datagram.
	ErrDatagramTooLarge = fmt.Errorf("message exceeds %d bytes", udpserver.MaxDatagramSize)
)

// Config configures a Client.
type Config struct {
	// Address is the "host:port" of the echo server.
	Address string
	// Mode is TCP or UDP; empty means TCP.
	Mode Mode
	// Timeout bounds dialing, each write and each wait for a reply; 0 means
	// DefaultTimeout, a negative value disables it.
	Timeout time.Duration
	// TrimCR strips a '\r' before the '\n' of TCP replies.
	TrimCR bool
}

// Client performs request/response exchanges with an echo server.
type Client struct {
	cfg Config
	log logger.Logger
}

// New validates cfg and creates a Client. No connection is made until an
// exchange.
//
// Parameters:
//   - cfg: Client configuration
//   - log: Logger for connection events; nil discards output
//
// Returns:
//   - The *Client, or an error if the address or mode is invalid
func New(cfg Config, log logger.Logger) (*Client, error) {
	if cfg.Address == "" {
		return nil, errors.New("address is required")
	}

	if _, _, err := net.SplitHostPort(cfg.Address); err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", cfg.Address, err)
	}

	switch cfg.Mode {
	case "":
		cfg.Mode = TCP
	case TCP, UDP:
	default:
		return nil, fmt.Errorf("unknown mode %q", cfg.Mode)
	}

	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}

	return &Client{cfg: cfg, log: logger.OrNop(log)}, nil
}

// Exchange opens a connection, sends message, waits for one reply and
// closes the connection.
//
// Parameters:
//   - ctx: Cancels the whole exchange
//   - message: The message to send; over TCP it must not contain '\n'
//
// Returns:
//   - The reply
//   - A connect error, ErrNoReply, a timeout or another transport error
func (c *Client) Exchange(ctx context.Context, message string) (string, error) {
	if c.cfg.Mode == UDP {
		conn, err := c.dialUDP(ctx)
		if err != nil {
			return "", err
		}
		defer conn.Close()

		stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
		defer stop()

		reply, err := c.exchangeDatagram(conn, message)
		return reply, c.ctxErr(ctx, err)
	}

	stream, err := c.dialTCP(ctx)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	stop := context.AfterFunc(ctx, func() { _ = stream.Close() })
	defer stop()

	reply, err := exchangeLine(stream, message)
	return reply, c.ctxErr(ctx, err)
}

// Interactive reads lines from in until an empty line or end of input,
// exchanges each one over a single connection and writes every reply to out
// on its own line. Over TCP the terminating empty line is sent to the server
// so that a multi-message session ends cleanly; this needs a server running
// multi-message sessions for more than one line.
//
// Parameters:
//   - ctx: Cancels the session
//   - in: Source of messages, one per line; "\r\n" and "\n" are both accepted
//   - out: Destination for replies
//
// Returns:
//   - nil when input ended normally, otherwise the first error
func (c *Client) Interactive(ctx context.Context, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var exchange func(string) (string, error)
	var finish func()

	if c.cfg.Mode == UDP {
		conn, err := c.dialUDP(ctx)
		if err != nil {
			return err
		}
		defer conn.Close()

		stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
		defer stop()

		exchange = func(msg string) (string, error) { return c.exchangeDatagram(conn, msg) }
		finish = func() {}
	} else {
		stream, err := c.dialTCP(ctx)
		if err != nil {
			return err
		}
		defer stream.Close()

		stop := context.AfterFunc(ctx, func() { _ = stream.Close() })
		defer stop()

		exchange = func(msg string) (string, error) { return exchangeLine(stream, msg) }
		finish = func() {
			if err := stream.Send(""); err != nil {
				c.log.Debug("failed to send session terminator", logger.Field{Key: "error", Value: err})
			}
		}
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			finish()
			return nil
		}

		reply, err := exchange(line)
		if err != nil {
			return c.ctxErr(ctx, err)
		}

		if _, err := fmt.Fprintln(out, reply); err != nil {
			return fmt.Errorf("write reply: %w", err)
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read input: %w", err)
	}

	finish()
	return nil
}

func (c *Client) timeout() time.Duration {
	if c.cfg.Timeout < 0 {
		return 0
	}

	return c.cfg.Timeout
}

func (c *Client) dialTCP(ctx context.Context) (*linestream.Stream, error) {
	stream, err := linestream.Connect(ctx, c.cfg.Address, linestream.Options{
		TrimCR:       c.cfg.TrimCR,
		DialTimeout:  c.timeout(),
		ReadTimeout:  c.timeout(),
		WriteTimeout: c.timeout(),
	})
	if err != nil {
		return nil, err
	}

	c.log.Debug("connected", logger.Field{Key: "mode", Value: string(TCP)}, logger.Field{Key: "remote", Value: stream.RemoteAddr().String()})
	return stream, nil
}

func (c *Client) dialUDP(ctx context.Context) (net.Conn, error) {
	dialer := net.Dialer{Timeout: c.timeout()}
	conn, err := dialer.DialContext(ctx, "udp", c.cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", c.cfg.Address, err)
	}

	c.log.Debug("connected", logger.Field{Key: "mode", Value: string(UDP)}, logger.Field{Key: "remote", Value: conn.RemoteAddr().String()})
	return conn, nil
}

func (c *Client) exchangeDatagram(conn net.Conn, message string) (string, error) {
	if len(message) > udpserver.MaxDatagramSize {
		return "", ErrDatagramTooLarge
	}

	if _, err := conn.Write([]byte(message)); err != nil {
		return "", fmt.Errorf("send: %w", err)
	}

	if t := c.timeout(); t > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(t)); err != nil {
			return "", fmt.Errorf("set read deadline: %w", err)
		}
	}

	buf := make([]byte, udpserver.MaxDatagramSize)
	n, err := conn.Read(buf)
	if err != nil {
		return "", fmt.Errorf("receive: %w", err)
	}

	if !utf8.Valid(buf[:n]) {
		return "", linestream.ErrInvalidEncoding
	}

	return string(buf[:n]), nil
}

func exchangeLine(stream *linestream.Stream, message string) (string, error) {
	if err := stream.Send(message); err != nil {
		return "", err
	}

	reply, err := stream.Receive()
	if errors.Is(err, io.EOF) {
		return "", fmt.Errorf("%w: %w", ErrNoReply, err)
	}

	return reply, err
}

// ctxErr prefers the context's error when the exchange failed because ctx
// was cancelled and closed the connection under it.
func (c *Client) ctxErr(ctx context.Context, err error) error {
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}

	return err
}
