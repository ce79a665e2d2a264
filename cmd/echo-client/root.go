package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cyberinferno/go-echo/config"
	"github.com/cyberinferno/go-echo/echoclient"
)

type clientFlags struct {
	configPath  string
	udp         bool
	message     string
	interactive bool
	timeout     time.Duration
	trimCR      bool
	logLevel    string
}

func newRootCmd() *cobra.Command {
	f := &clientFlags{}

	cmd := &cobra.Command{
		Use:   "echo-client <address> [port]",
		Short: "Send a message to an echo server and print the reply",
		Long: `echo-client connects to an echo server (port 7 by default), sends the
--message and prints the reply. With --interactive it instead reads lines from
stdin over one connection, sends each one and prints each reply, stopping at
the first empty line; this needs a server running multi-message sessions.`,
		Args:          cobra.RangeArgs(1, 2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.resolve(cmd, args)
			if err != nil {
				return err
			}

			log, err := cfg.Log.NewLogger("echo-client", cmd.ErrOrStderr())
			if err != nil {
				return fmt.Errorf("failed to create logger: %w", err)
			}
			defer log.Close()

			// 0 in the config means no timeout; the client reads 0 as its default.
			timeout := cfg.Timeout
			if timeout == 0 {
				timeout = -1
			}

			client, err := echoclient.New(echoclient.Config{
				Address: net.JoinHostPort(args[0], strconv.Itoa(cfg.Port)),
				Mode:    echoclient.Mode(cfg.Mode),
				Timeout: timeout,
				TrimCR:  cfg.TrimCR,
			}, log)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			if f.interactive {
				if err := client.Interactive(ctx, cmd.InOrStdin(), out); err != nil {
					return fmt.Errorf("session failed: %w", err)
				}

				fmt.Fprintln(out, "Connection terminated")
				return nil
			}

			reply, err := client.Exchange(ctx, f.message)
			if err != nil {
				return fmt.Errorf("exchange failed: %w", err)
			}

			fmt.Fprintln(out, reply)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&f.configPath, "config", "", "YAML config file")
	flags.BoolVarP(&f.udp, "udp", "u", false, "use UDP instead of TCP")
	flags.StringVarP(&f.message, "message", "m", "", "message to send; the reply is printed")
	flags.BoolVarP(&f.interactive, "interactive", "i", false, "read messages from stdin until an empty line (multi-message servers)")
	flags.DurationVarP(&f.timeout, "timeout", "t", 0, "connect and reply timeout, 0 to disable (default 10s)")
	flags.BoolVar(&f.trimCR, "trim-cr", false, "strip a carriage return before the newline of TCP replies")
	flags.StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn, error (default \"warn\")")
	cmd.MarkFlagsMutuallyExclusive("message", "interactive")
	cmd.MarkFlagsOneRequired("message", "interactive")

	return cmd
}

// resolve loads the config file and applies the optional port argument and
// any flag that was set explicitly.
func (f *clientFlags) resolve(cmd *cobra.Command, args []string) (*config.ClientConfig, error) {
	cfg, err := config.LoadClientConfig(f.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if len(args) == 2 {
		port, err := strconv.Atoi(args[1])
		if err != nil {
			return nil, fmt.Errorf("invalid port %q", args[1])
		}
		cfg.Port = port
	}

	flags := cmd.Flags()
	if flags.Changed("udp") {
		cfg.Mode = config.ModeTCP
		if f.udp {
			cfg.Mode = config.ModeUDP
		}
	}
	if flags.Changed("timeout") {
		cfg.Timeout = f.timeout
	}
	if flags.Changed("trim-cr") {
		cfg.TrimCR = f.trimCR
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = f.logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}
