package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/paperoo/spool/internal/api"
	"github.com/paperoo/spool/internal/config"
	"github.com/paperoo/spool/internal/core"
	"github.com/paperoo/spool/internal/db"
	"github.com/paperoo/spool/internal/observability"
	"github.com/paperoo/spool/internal/webhook"
)

const shutdownTimeout = 10 * time.Second

// Service owns every long-lived component of a running spool.
type Service struct {
	configPath string
	log        *slog.Logger
	factory    core.Factory

	reloadMu    sync.Mutex
	store       *core.Store
	queue       *core.Queue
	database    *db.DB
	snapshotter *db.Snapshotter
	hooks       *hookSink
	metrics     *observability.Metrics
	server      *http.Server
}

type Option func(*Service)

// WithFactory replaces the printer and power factory.
func WithFactory(f core.Factory) Option {
	return func(s *Service) { s.factory = f }
}

// New builds the service from cfg. configPath is re-read on Reload; an empty
// path reloads from the environment only.
func New(cfg *config.Config, configPath string, log *slog.Logger, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Service{
		configPath: configPath,
		log:        log,
		factory:    NewFactory(log),
		store:      core.NewStore(cfg.Queue.HistoryLimit),
		hooks:      &hookSink{},
	}
	for _, opt := range opts {
		opt(s)
	}

	if cfg.Database.Path != "" {
		database, err := db.Open(cfg.Database.Path)
		if err != nil {
			return nil, err
		}
		s.database = database
		s.snapshotter = db.NewSnapshotter(db.NewJobRepository(database), s.store, cfg.Database.SnapshotInterval, log.With("component", "snapshot"))
		if err := s.snapshotter.Restore(context.Background()); err != nil {
			database.Close()
			return nil, err
		}
	}

	metrics, err := observability.InitMetrics()
	if err != nil {
		s.release()
		return nil, err
	}
	s.metrics = metrics

	s.hooks.swap(cfg.Webhooks, s.newSender)
	jobMetrics, err := observability.NewJobMetrics(metrics.Provider(), s.store.Stats, func() core.PrinterTarget {
		return s.queue.PrinterStatus(context.Background(), false)
	})
	if err != nil {
		s.release()
		return nil, err
	}

	queue, err := core.NewQueue(cfg, s.store, s.factory, core.Sinks(jobMetrics, s.hooks), log.With("component", "queue"))
	if err != nil {
		s.release()
		return nil, err
	}
	s.queue = queue

	router := api.NewRouter(api.Options{
		Queue:   queue,
		Metrics: metrics.Handler(),
		Reload:  s.Reload,
		Log:     log.With("component", "http"),
	})
	s.server = &http.Server{
		Addr:         net.JoinHostPort("", strconv.Itoa(cfg.Server.Port)),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return s, nil
}

func (s *Service) newSender(hooks []config.WebhookConfig) *webhook.Sender {
	return webhook.NewSender(hooks, webhook.Options{}, s.log.With("component", "webhook"))
}

func (s *Service) Queue() *core.Queue { return s.queue }

func (s *Service) Handler() http.Handler { return s.server.Handler }

// Run serves HTTP and delivers jobs until ctx is cancelled, then shuts down
// in reverse order: HTTP, worker, snapshot, webhooks, metrics.
func (s *Service) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}
	return s.Serve(ctx, ln)
}

func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	s.queue.Start(ctx)
	if s.snapshotter != nil {
		s.snapshotter.Start()
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("http shutdown incomplete", "error", err)
	}
	s.queue.Stop()
	if s.snapshotter != nil {
		if err := s.snapshotter.Stop(shutdownCtx); err != nil {
			s.log.Error("final snapshot failed", "error", err)
		}
	}
	s.reloadMu.Lock()
	s.hooks.close()
	s.reloadMu.Unlock()
	if err := s.metrics.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("metrics shutdown failed", "error", err)
	}
	s.closeDB()

	s.log.Info("spool stopped")
	return serveErr
}

// Reload re-reads the configuration and applies it to the running queue.
// Server and database settings only take effect on restart.
func (s *Service) Reload() error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	cfg, err := config.Load(s.configPath)
	if err != nil {
		return err
	}
	if err := s.queue.ApplyConfig(cfg); err != nil {
		s.log.Warn("configuration rejected", "error", err)
		return err
	}

	if old, changed := s.hooks.swap(cfg.Webhooks, s.newSender); changed {
		if old != nil {
			go old.Stop()
		}
		s.log.Info("webhooks reconfigured", "endpoints", len(cfg.Webhooks))
	}
	return nil
}

// release undoes a New that failed part way.
func (s *Service) release() {
	s.hooks.close()
	if s.metrics != nil {
		if err := s.metrics.Shutdown(context.Background()); err != nil {
			s.log.Warn("metrics shutdown failed", "error", err)
		}
		s.metrics = nil
	}
	s.closeDB()
}

func (s *Service) closeDB() {
	if s.database == nil {
		return
	}
	if err := s.database.Close(); err != nil {
		s.log.Warn("failed to close database", "error", err)
	}
	s.database = nil
}
