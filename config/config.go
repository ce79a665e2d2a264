// Package config holds the YAML configuration of the echo server and client.
// Command-line flags are applied on top of the loaded values by the commands.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"runtime"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cyberinferno/go-echo/logger"
	"github.com/cyberinferno/go-echo/tcpserver"
)

// DefaultPort is the well-known echo port.
const DefaultPort = 7

const (
	ModeTCP = "tcp"
	ModeUDP = "udp"
)

// LogConfig selects the log level and destination. An empty Dir logs to
// stderr.
type LogConfig struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir"`
}

// NewLogger builds the logger described by l: console output to w, or a
// daily rotated JSON file under Dir when Dir is set.
func (l LogConfig) NewLogger(service string, w io.Writer) (logger.Logger, error) {
	level, err := logger.ParseLevel(l.Level)
	if err != nil {
		return nil, err
	}

	if l.Dir == "" {
		return logger.NewConsoleLogger(w, service, level), nil
	}

	return logger.NewZerologFileLogger(service, l.Dir, level)
}

// ServerConfig configures echo-server.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	Mode         string        `yaml:"mode"`
	Workers      int           `yaml:"workers"`
	SessionMode  string        `yaml:"session_mode"`
	TrimCR       bool          `yaml:"trim_cr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// StatsInterval is how often counters are logged; 0 disables it.
	StatsInterval time.Duration `yaml:"stats_interval"`
	Log           LogConfig     `yaml:"log"`
}

// ClientConfig configures echo-client.
type ClientConfig struct {
	Port    int           `yaml:"port"`
	Mode    string        `yaml:"mode"`
	Timeout time.Duration `yaml:"timeout"`
	TrimCR  bool          `yaml:"trim_cr"`
	Log     LogConfig     `yaml:"log"`
}

// DefaultServerConfig returns the server defaults: TCP on 0.0.0.0:7 with one
// worker per CPU and single-shot sessions.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Host:        "0.0.0.0",
		Port:        DefaultPort,
		Mode:        ModeTCP,
		Workers:     runtime.NumCPU(),
		SessionMode: string(tcpserver.SingleShot),
		Log:         LogConfig{Level: "info"},
	}
}

// DefaultClientConfig returns the client defaults.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Port:    DefaultPort,
		Mode:    ModeTCP,
		Timeout: 10 * time.Second,
		Log:     LogConfig{Level: "warn"},
	}
}

// LoadServerConfig reads a ServerConfig from the YAML file at path on top of
// the defaults. If the file does not exist, it returns the defaults with no
// error.
func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := DefaultServerConfig()
	if err := load(path, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadClientConfig reads a ClientConfig from the YAML file at path on top of
// the defaults. If the file does not exist, it returns the defaults with no
// error.
func LoadClientConfig(path string) (*ClientConfig, error) {
	cfg := DefaultClientConfig()
	if err := load(path, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func load(path string, out any) error {
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	return nil
}

// Address returns the "host:port" the server binds.
func (c *ServerConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Validate reports the first invalid setting.
func (c *ServerConfig) Validate() error {
	if err := validatePort(c.Port); err != nil {
		return err
	}

	if err := validateMode(c.Mode); err != nil {
		return err
	}

	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}

	if _, err := tcpserver.ParseSessionMode(c.SessionMode); err != nil {
		return err
	}

	if c.ReadTimeout < 0 || c.WriteTimeout < 0 || c.StatsInterval < 0 {
		return errors.New("durations must not be negative")
	}

	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return err
	}

	return nil
}

// Validate reports the first invalid setting.
func (c *ClientConfig) Validate() error {
	if err := validatePort(c.Port); err != nil {
		return err
	}

	if err := validateMode(c.Mode); err != nil {
		return err
	}

	if c.Timeout < 0 {
		return errors.New("timeout must not be negative")
	}

	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return err
	}

	return nil
}

func validatePort(port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("port %d out of range", port)
	}

	return nil
}

func validateMode(mode string) error {
	switch mode {
	case ModeTCP, ModeUDP:
		return nil
	default:
		return fmt.Errorf("unknown mode %q (want %s or %s)", mode, ModeTCP, ModeUDP)
	}
}
