package main

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cyberinferno/go-echo/config"
	"github.com/cyberinferno/go-echo/linestream"
	"github.com/cyberinferno/go-echo/logger"
	"github.com/cyberinferno/go-echo/tcpserver"
	"github.com/cyberinferno/go-echo/udpserver"
	"github.com/cyberinferno/go-echo/workerpool"
)

const serverName = "echo"

// echoServer is what run needs from either transport.
type echoServer struct {
	addr  net.Addr
	stop  func()
	stats func() []logger.Field
}

func runServer(ctx context.Context, cfg *config.ServerConfig, log logger.Logger) error {
	return run(ctx, cfg, log, nil)
}

// run starts the server described by cfg and blocks until ctx is done, then
// stops it. ready, when set, receives the bound address once listening.
func run(ctx context.Context, cfg *config.ServerConfig, log logger.Logger, ready func(net.Addr)) error {
	log = logger.OrNop(log)

	var (
		srv *echoServer
		err error
	)
	if cfg.Mode == config.ModeUDP {
		srv, err = startUDP(cfg, log)
	} else {
		srv, err = startTCP(cfg, log)
	}
	if err != nil {
		return err
	}

	log.Info(fmt.Sprintf("listening at %s", srv.addr), logger.Field{Key: "mode", Value: cfg.Mode})
	if ready != nil {
		ready(srv.addr)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		srv.stop()
		return nil
	})

	if cfg.StatsInterval > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(cfg.StatsInterval)
			defer ticker.Stop()

			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					log.Info("stats", srv.stats()...)
				}
			}
		})
	}

	return g.Wait()
}

func startTCP(cfg *config.ServerConfig, log logger.Logger) (*echoServer, error) {
	mode, err := tcpserver.ParseSessionMode(cfg.SessionMode)
	if err != nil {
		return nil, err
	}

	pool, err := workerpool.New(cfg.Workers, log)
	if err != nil {
		return nil, err
	}

	sessions := tcpserver.NewEchoSessionFunc(tcpserver.SessionOptions{
		Mode: mode,
		Stream: linestream.Options{
			TrimCR:       cfg.TrimCR,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
	}, log)

	srv := tcpserver.NewTCPServer(serverName, cfg.Address(), pool, sessions, log)
	if err := srv.Start(); err != nil {
		pool.Close()
		return nil, err
	}

	return &echoServer{
		addr: srv.ListenAddr(),
		stop: func() {
			srv.Stop()
			pool.Close()
		},
		stats: func() []logger.Field {
			st := pool.Stats()
			return []logger.Field{
				{Key: "accepted", Value: srv.Accepted()},
				{Key: "sessions", Value: srv.SessionCount()},
				{Key: "queued", Value: st.Queued},
				{Key: "running", Value: st.Running},
				{Key: "completed", Value: st.Completed},
				{Key: "panicked", Value: st.Panicked},
			}
		},
	}, nil
}

func startUDP(cfg *config.ServerConfig, log logger.Logger) (*echoServer, error) {
	srv := udpserver.NewUDPServer(serverName, cfg.Address(), log)
	if err := srv.Start(); err != nil {
		return nil, err
	}

	return &echoServer{
		addr: srv.ListenAddr(),
		stop: srv.Stop,
		stats: func() []logger.Field {
			return []logger.Field{
				{Key: "received", Value: srv.Received()},
				{Key: "echoed", Value: srv.Echoed()},
			}
		},
	}, nil
}
