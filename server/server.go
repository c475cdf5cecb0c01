// a stupid package name...
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/boardsaver/boardsaver/server/config"
	"github.com/boardsaver/boardsaver/server/imagesaver"
	"github.com/boardsaver/boardsaver/server/imagesaver/domain"
	"github.com/boardsaver/boardsaver/server/imagesaver/service"
	"github.com/boardsaver/boardsaver/server/internal"
	"github.com/boardsaver/boardsaver/server/internal/database"
	"github.com/boardsaver/boardsaver/server/internal/duplicates"
	"github.com/boardsaver/boardsaver/server/internal/events"
	"github.com/boardsaver/boardsaver/server/internal/fetcher"
	"github.com/boardsaver/boardsaver/server/internal/fsutil"
	"github.com/boardsaver/boardsaver/server/internal/metrics"
	"github.com/boardsaver/boardsaver/server/internal/notify"
	"github.com/boardsaver/boardsaver/server/internal/queue"
	"github.com/boardsaver/boardsaver/server/internal/registry"
	"github.com/boardsaver/boardsaver/server/internal/retention"
	"github.com/boardsaver/boardsaver/server/internal/settings"
	"github.com/boardsaver/boardsaver/server/logging"
	middlewares "github.com/boardsaver/boardsaver/server/middleware"
	"github.com/boardsaver/boardsaver/server/notification"
	"github.com/boardsaver/boardsaver/server/status"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/jmoiron/sqlx"
	"golang.org/x/sync/errgroup"

	bolt "go.etcd.io/bbolt"
)

type serverConfig struct {
	db       *sqlx.DB
	boltdb   *bolt.DB
	mq       *queue.MessageQueue
	handler  domain.RestHandler
	settings *settings.Store
	metrics  *metrics.Metrics
	hub      *notification.Hub
	svc      *service.Service
}

func Run(ctx context.Context) error {
	conf := config.Instance()

	// ---- LOGGING ---------------------------------------------------
	logWriters := []io.Writer{os.Stdout}

	// file based logging
	if conf.Logging.EnableFileLogging {
		logger, err := logging.NewRotableLogger(conf.Logging.LogPath)
		if err != nil {
			return err
		}

		defer logger.Close()

		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Hour * 24):
					if err := logger.Rotate(); err != nil {
						slog.Error("failed to rotate logs", slog.Any("err", err))
					}
				}
			}
		}()

		logWriters = append(logWriters, logger)
	}

	logger := slog.New(slog.NewTextHandler(io.MultiWriter(logWriters...), &slog.HandlerOptions{
		Level: logLevel(conf.Logging.Level),
	}))

	// make the new logger the default one with all the new writers
	slog.SetDefault(logger)
	// ----------------------------------------------------------------

	if err := os.MkdirAll(conf.Paths.LocalDatabasePath, 0755); err != nil {
		return err
	}

	boltdb, err := bolt.Open(filepath.Join(conf.Paths.LocalDatabasePath, "bolt.db"), 0600, nil)
	if err != nil {
		return err
	}

	db, err := database.Open(conf.Paths.LocalDatabasePath)
	if err != nil {
		boltdb.Close()
		return err
	}

	store, err := settings.NewStore(boltdb, conf.DefaultOptions())
	if err != nil {
		return err
	}

	source, err := fetcher.New(fetcher.Config{
		CacheDir:          conf.Paths.CachePath,
		Timeout:           conf.Fetcher.Timeout,
		MaxRetries:        conf.Fetcher.MaxRetries,
		UserAgent:         conf.Fetcher.UserAgent,
		RequestsPerSecond: conf.Fetcher.RequestsPerSecond,
		CacheEntries:      conf.Fetcher.CacheEntries,
	})
	if err != nil {
		return err
	}

	bus := events.NewBus()

	m := metrics.New()
	if err := m.Attach(bus); err != nil {
		return err
	}
	if err := notification.LogSummaries(bus, logger); err != nil {
		return err
	}

	var (
		progress = notify.New[internal.ProgressSnapshot](conf.Notifications.BufferSize)
		dups     = notify.New[duplicates.State](conf.Notifications.BufferSize)
	)

	mq, err := queue.NewMessageQueue(conf.Server.QueueSize)
	if err != nil {
		return err
	}

	handler, svc, err := imagesaver.Container(&imagesaver.ContainerArgs{
		DB:         db,
		Settings:   store,
		Registry:   registry.New(),
		MQ:         mq,
		Source:     source,
		FS:         fsutil.OS{},
		Bus:        bus,
		Progress:   progress,
		DupUpdates: dups,
	})
	if err != nil {
		return err
	}

	mq.SetupConsumers(svc.Handle)

	go func() {
		if err := svc.Restore(ctx); err != nil {
			slog.Error("failed to restore unfinished batches", slog.Any("err", err))
		}
	}()

	scfg := serverConfig{
		db:       db,
		boltdb:   boltdb,
		mq:       mq,
		handler:  handler,
		settings: store,
		metrics:  m,
		hub:      notification.NewHub(progress, dups),
		svc:      svc,
	}

	srv := newServer(scfg)

	var (
		network = "tcp"
		address = fmt.Sprintf("%s:%d", conf.Server.Host, conf.Server.Port)
	)

	// support unix sockets
	if strings.HasPrefix(conf.Server.Host, "/") {
		network = "unix"
		address = conf.Server.Host
	}

	listener, err := net.Listen(network, address)
	if err != nil {
		slog.Error("failed to listen", slog.Any("err", err))
		return err
	}

	slog.Info("boardsaver started", slog.String("address", address))

	sweeper := retention.NewSweeper(svc, conf.Retention.MaxAge, conf.Retention.SweepInterval)

	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	eg.Go(func() error {
		sweeper.Run(ctx)
		return nil
	})

	eg.Go(func() error {
		gracefulShutdown(ctx, srv, &scfg)
		return nil
	})

	return eg.Wait()
}

func newServer(c serverConfig) *http.Server {
	r := chi.NewRouter()

	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
			http.MethodPatch,
			http.MethodDelete,
		},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	r.Use(corsMiddleware.Handler)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/batches", c.handler.ApplyRouter())

		r.Route("/settings", func(r chi.Router) {
			r.Use(middlewares.ApplyAuthenticationByConfig)
			settings.NewRestHandler(c.settings).ApplyRouter()(r)
		})

		r.Route("/status", status.ApplyRouter(c.svc, c.mq, c.settings))
	})

	// Notifications
	r.Route("/ws", c.hub.ApplyRouter())

	r.Handle("/metrics", c.metrics.Handler())

	return &http.Server{Handler: r}
}

func gracefulShutdown(ctx context.Context, srv *http.Server, cfg *serverConfig) {
	<-ctx.Done()
	slog.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http server shutdown", slog.Any("err", err))
	}

	// running batches see a canceled context and stop after their current item
	cfg.mq.Stop()

	cfg.db.Close()
	cfg.boltdb.Close()
}

func logLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
