// dbsync is a standalone sync daemon: it binds a single session to the
// configured server path, keeps it synchronized, and logs progress.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/dbsync/internal/config"
	"github.com/alexjbarnes/dbsync/internal/engine"
	"github.com/alexjbarnes/dbsync/internal/logging"
	"github.com/alexjbarnes/dbsync/internal/protocol"
	"github.com/alexjbarnes/dbsync/internal/state"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("starting dbsync",
		"version", Version,
		"server", cfg.ServerAddress,
		"port", cfg.ServerPort,
		"path", cfg.Path,
		"device", cfg.DeviceName,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}

	store, err := state.LoadAt(cfg.StateFile())
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("closing state store", "error", err)
		}
	}()

	client := engine.NewClient(engine.Config{
		Logger:                  logger,
		ConnectTimeout:          cfg.ConnectTimeout,
		PingKeepaliveInterval:   cfg.PingInterval,
		PongKeepaliveTimeout:    cfg.PongTimeout,
		OneConnectionPerSession: cfg.OneConnectionPerSession,
		OnPingRTT: func(rtt time.Duration) {
			logger.Debug("ping round trip", "rtt", rtt)
		},
		OnConnectionError: func(info protocol.ErrorInfo) {
			logger.Warn("connection error",
				"code", info.Code,
				"message", info.Message,
				"try_again", info.TryAgain,
			)
		},
	})
	defer client.Stop()

	history := newMemoryHistory()

	session, err := engine.NewSession(client, engine.SessionConfig{
		Endpoint: engine.ServerEndpoint{
			Envelope: cfg.Envelope,
			Address:  cfg.ServerAddress,
			Port:     cfg.ServerPort,
		},
		Path:        cfg.Path,
		AccessToken: cfg.AccessToken,
		History:     history,
		StateStore:  store,
		OnSyncTransact: func(oldVersion, newVersion uint64) {
			logger.Debug("integrated server changesets",
				"old_version", oldVersion,
				"new_version", newVersion,
			)
		},
		OnProgress: func(p engine.Progress) {
			logger.Debug("sync progress",
				"downloaded", p.DownloadedBytes,
				"downloadable", p.DownloadableBytes,
				"uploaded", p.UploadedBytes,
				"uploadable", p.UploadableBytes,
			)
		},
		OnError: func(info protocol.ErrorInfo, fatal bool) {
			if fatal {
				logger.Error("session error", "code", info.Code, "message", info.Message)
				stop()

				return
			}

			logger.Warn("session error", "code", info.Code, "message", info.Message)
		},
		OnConnectionState: func(oldState, newState engine.ConnectionState, info *protocol.ErrorInfo) {
			if info != nil {
				logger.Warn("connection state changed",
					"from", oldState,
					"to", newState,
					"code", info.Code,
					"message", info.Message,
				)

				return
			}

			logger.Info("connection state changed", "from", oldState, "to", newState)
		},
	})
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}

	session.Bind()
	defer session.Abandon()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := session.WaitForDownloadComplete(ctx); err != nil {
			return fmt.Errorf("waiting for initial download: %w", err)
		}

		logger.Info("initial download complete", "changesets", history.changesetCount())

		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")

		return nil
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}

	return nil
}
