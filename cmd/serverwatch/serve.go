package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vjranagit/serverwatch/internal/config"
	"github.com/vjranagit/serverwatch/pkg/api"
	"github.com/vjranagit/serverwatch/pkg/pipeline"
	"github.com/vjranagit/serverwatch/pkg/storage"
	"github.com/vjranagit/serverwatch/pkg/upstream"
)

const (
	maxWebsocketClients = 100
	gcInterval          = 10 * time.Minute
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the chart pipelines and the API server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		logger, err := newLogger(cfg.Log)
		if err != nil {
			return err
		}
		defer logger.Sync() //nolint:errcheck

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return serve(ctx, cfg, logger)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("starting serverwatch",
		zap.String("version", version),
		zap.String("listen_addr", cfg.Server.ListenAddr),
		zap.String("history_source", cfg.Upstream.Source),
		zap.Int("charts", len(cfg.Charts)),
	)

	store, err := storage.NewStore(cfg.ToStorageConfig(), logger.Named("storage"))
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck

	stats := store.Stats()
	logger.Info("storage ready",
		zap.Int("series", stats.Series),
		zap.Int("backlog", stats.Backlog),
		zap.String("size", humanize.Bytes(uint64(stats.LSMBytes+stats.LogBytes))),
	)

	messages, err := store.Backlog(ctx, cfg.Storage.BacklogSize)
	if err != nil {
		return err
	}
	backlog := pipeline.NewBacklog(cfg.Storage.BacklogSize)
	backlog.Load(messages)

	source, err := historySource(cfg, store, logger)
	if err != nil {
		return err
	}

	hub := api.NewHub(maxWebsocketClients, logger.Named("ws"))
	loop := pipeline.NewLoop(backlog,
		pipeline.WithRecorder(store),
		pipeline.WithSink(hub),
		pipeline.WithLogger(logger.Named("loop")),
	)

	pcs, err := cfg.ToPipelineConfigs()
	if err != nil {
		return err
	}
	for _, pc := range pcs {
		p, err := pipeline.New(pc, source, loop.BacklogFunc(), logger.Named("pipeline"))
		if err != nil {
			return fmt.Errorf("chart %q: %w", pc.ID, err)
		}
		loop.Add(p)
	}

	server := api.NewServer(cfg.Server.ListenAddr, loop, hub, logger.Named("api"))

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := loop.Run(ctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	g.Go(server.Start)

	g.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.Timeout)
		defer cancel()

		logger.Info("shutting down")
		return server.Stop(shutdownCtx)
	})

	if cfg.Upstream.URL != "" {
		stream, err := upstream.NewStream(cfg.Upstream.URL, logger.Named("stream"))
		if err != nil {
			return err
		}
		g.Go(func() error {
			return followStream(ctx, stream, loop, cfg.Upstream.ReconnectDelay, logger)
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(gcInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := store.CollectGarbage(); err != nil {
					logger.Warn("value log gc failed", zap.Error(err))
				}
			}
		}
	})

	return g.Wait()
}

func historySource(cfg *config.Config, store *storage.BadgerStore, logger *zap.Logger) (pipeline.HistorySource, error) {
	var source pipeline.HistorySource

	switch cfg.Upstream.Source {
	case config.SourceLocal:
		source = storage.NewLocalHistory(store, logger.Named("history"))
	default:
		client, err := upstream.NewClient(cfg.Upstream.URL,
			upstream.WithHTTPClient(&http.Client{Timeout: cfg.Upstream.Timeout}),
			upstream.WithLogger(logger.Named("history")),
		)
		if err != nil {
			return nil, err
		}
		source = client
	}

	return storage.NewCachedHistory(source, cfg.Upstream.CacheSize, cfg.Upstream.CacheTTL), nil
}

// followStream feeds push messages into the loop, reconnecting after delay
// whenever the stream drops.
func followStream(ctx context.Context, stream *upstream.Stream, loop *pipeline.Loop, delay time.Duration, logger *zap.Logger) error {
	for {
		err := stream.Run(ctx, func(raw []byte) error {
			return loop.Push(ctx, raw)
		})
		if ctx.Err() != nil {
			return nil
		}

		logger.Warn("push stream disconnected",
			zap.Error(err),
			zap.String("retry_at", humanize.Time(time.Now().Add(delay))),
		)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}
