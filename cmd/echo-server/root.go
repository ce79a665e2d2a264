package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cyberinferno/go-echo/config"
	"github.com/cyberinferno/go-echo/logger"
)

type startFunc func(ctx context.Context, cfg *config.ServerConfig, log logger.Logger) error

type serverFlags struct {
	configPath    string
	host          string
	udp           bool
	workers       int
	sessionMode   string
	trimCR        bool
	readTimeout   time.Duration
	writeTimeout  time.Duration
	statsInterval time.Duration
	logLevel      string
	logDir        string
}

func newRootCmd(start startFunc) *cobra.Command {
	f := &serverFlags{}

	cmd := &cobra.Command{
		Use:   "echo-server [port]",
		Short: "Echo server for TCP lines and UDP datagrams",
		Long: `echo-server binds the given port (7 by default) on all interfaces and
sends every message it receives back to the sender. In TCP mode a message is
one newline-terminated line; in UDP mode it is one datagram.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.resolve(cmd, args)
			if err != nil {
				return err
			}

			log, err := cfg.Log.NewLogger("echo-server", cmd.ErrOrStderr())
			if err != nil {
				return fmt.Errorf("failed to create logger: %w", err)
			}
			defer log.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return start(ctx, cfg, log)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&f.configPath, "config", "", "YAML config file")
	flags.StringVar(&f.host, "host", "", "address to bind (default \"0.0.0.0\")")
	flags.BoolVarP(&f.udp, "udp", "u", false, "serve UDP instead of TCP")
	flags.IntVarP(&f.workers, "workers", "w", 0, "number of TCP session workers (default: number of CPUs)")
	flags.StringVar(&f.sessionMode, "session-mode", "", "TCP session mode: single or multi (default \"single\")")
	flags.BoolVar(&f.trimCR, "trim-cr", false, "strip a carriage return before the newline of TCP lines")
	flags.DurationVar(&f.readTimeout, "read-timeout", 0, "TCP read timeout per line, 0 to disable")
	flags.DurationVar(&f.writeTimeout, "write-timeout", 0, "TCP write timeout per line, 0 to disable")
	flags.DurationVar(&f.statsInterval, "stats-interval", 0, "log server counters at this interval, 0 to disable")
	flags.StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn, error (default \"info\")")
	flags.StringVar(&f.logDir, "log-dir", "", "write JSON logs to daily files in this directory")

	return cmd
}

// resolve loads the config file and applies the positional port and any flag
// that was set explicitly.
func (f *serverFlags) resolve(cmd *cobra.Command, args []string) (*config.ServerConfig, error) {
	cfg, err := config.LoadServerConfig(f.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if len(args) == 1 {
		port, err := strconv.Atoi(args[0])
		if err != nil {
			return nil, fmt.Errorf("invalid port %q", args[0])
		}
		cfg.Port = port
	}

	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Host = f.host
	}
	if flags.Changed("udp") {
		cfg.Mode = config.ModeTCP
		if f.udp {
			cfg.Mode = config.ModeUDP
		}
	}
	if flags.Changed("workers") {
		cfg.Workers = f.workers
	}
	if flags.Changed("session-mode") {
		cfg.SessionMode = f.sessionMode
	}
	if flags.Changed("trim-cr") {
		cfg.TrimCR = f.trimCR
	}
	if flags.Changed("read-timeout") {
		cfg.ReadTimeout = f.readTimeout
	}
	if flags.Changed("write-timeout") {
		cfg.WriteTimeout = f.writeTimeout
	}
	if flags.Changed("stats-interval") {
		cfg.StatsInterval = f.statsInterval
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if flags.Changed("log-dir") {
		cfg.Log.Dir = f.logDir
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}
