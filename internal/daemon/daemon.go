package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"mediamill/internal/config"
	"mediamill/internal/handlers"
	"mediamill/internal/logging"
	"mediamill/internal/notifications"
	"mediamill/internal/pipeline"
	"mediamill/internal/progress"
	"mediamill/internal/queue"
	"mediamill/internal/stage"
	"mediamill/internal/storage"
	"mediamill/internal/worker"
)

const (
	maintenanceInterval = time.Minute
	shutdownTimeout     = 15 * time.Second
)

// Daemon owns the long-running process: the HTTP API, the worker pool, the
// stores, and the periodic maintenance sweep. Exactly one daemon may run per
// data directory, enforced with a file lock.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	lock        *flock.Flock
	queue       *queue.Store
	state       *progress.Store
	gateway     *storage.Gateway
	registry    *stage.Registry
	notifier    notifications.Service
	submitter   *pipeline.Submitter
	coordinator *pipeline.Coordinator
	pool        *worker.Pool
	server      *http.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a daemon from configuration. It acquires the instance lock and
// opens both databases; call Close to release them.
func New(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	lock := flock.New(filepath.Join(cfg.Paths.DataDir, "daemon.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire daemon lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("another daemon is already running for %s", cfg.Paths.DataDir)
	}

	queueStore, err := queue.Open(cfg)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	stateStore, err := progress.Open(cfg)
	if err != nil {
		queueStore.Close()
		lock.Unlock()
		return nil, err
	}

	local, err := storage.NewLocalBackend(cfg.Storage.LocalDir, artifactBaseURL(cfg), cfg.Storage.PresignSecret)
	if err != nil {
		stateStore.Close()
		queueStore.Close()
		lock.Unlock()
		return nil, err
	}
	var primary storage.Backend
	if remote := storage.NewRemoteBackend(cfg.Storage); remote != nil {
		primary = remote
	}
	gateway := storage.NewGateway(primary, local, logging.NewComponentLogger(logger, "storage"))

	registry := stage.NewRegistry()
	if err := handlers.RegisterBuiltin(registry, cfg.Handlers); err != nil {
		stateStore.Close()
		queueStore.Close()
		lock.Unlock()
		return nil, err
	}

	notifier := notifications.NewService(cfg)
	compiler := pipeline.NewCompiler(registry)
	submitter := pipeline.NewSubmitter(compiler, queueStore, stateStore, logger)
	coordinator := pipeline.NewCoordinator(submitter, queueStore, stateStore, cfg.Batch.MaxInFlight, logger)

	pool := worker.New(worker.Options{
		Config:      cfg,
		Queue:       queueStore,
		State:       stateStore,
		Registry:    registry,
		Gateway:     gateway,
		Notifier:    notifier,
		Coordinator: coordinator,
		Logger:      logger,
	})

	d := &Daemon{
		cfg:         cfg,
		logger:      logging.NewComponentLogger(logger, "daemon"),
		lock:        lock,
		queue:       queueStore,
		state:       stateStore,
		gateway:     gateway,
		registry:    registry,
		notifier:    notifier,
		submitter:   submitter,
		coordinator: coordinator,
		pool:        pool,
	}

	api := NewServer(cfg, logger, submitter, coordinator, stateStore, queueStore, gateway, registry, notifier)
	d.server = &http.Server{
		Addr:              cfg.Paths.APIBind,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return d, nil
}

// Run starts the worker pool, the maintenance loop, and the HTTP listener,
// then blocks until ctx is cancelled or the listener fails. Stores and the
// instance lock are released before Run returns.
func (d *Daemon) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	d.pool.Start(runCtx)

	d.wg.Add(1)
	go d.maintenanceLoop(runCtx)

	listener, err := net.Listen("tcp", d.server.Addr)
	if err != nil {
		cancel()
		d.pool.Stop()
		d.wg.Wait()
		d.Close()
		return fmt.Errorf("listen on %s: %w", d.server.Addr, err)
	}
	d.logger.Info("daemon started",
		logging.String("bind", listener.Addr().String()),
		logging.Int("workers", d.cfg.Workers.Count))

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.server.Serve(listener)
	}()

	select {
	case <-runCtx.Done():
		return d.shutdown()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		d.shutdown()
		return err
	}
}

func (d *Daemon) shutdown() error {
	d.logger.Info("daemon stopping")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := d.server.Shutdown(shutdownCtx); err != nil {
		d.logger.Warn("http shutdown", logging.Error(err))
	}

	d.pool.Stop()
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	return d.Close()
}

// Close releases the stores and the instance lock. Safe after Run returns.
func (d *Daemon) Close() error {
	var errs []error
	if err := d.state.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := d.queue.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := d.lock.Unlock(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// maintenanceLoop periodically reclaims expired leases, admits waiting batch
// members, and prunes aged local artifacts.
func (d *Daemon) maintenanceLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.runMaintenance(ctx)
		}
	}
}

func (d *Daemon) runMaintenance(ctx context.Context) {
	reclaimed, err := d.queue.ReclaimExpired(ctx)
	if err != nil {
		d.logger.Warn("reclaim expired leases", logging.Error(err))
	} else if reclaimed > 0 {
		d.logger.Info("reclaimed expired leases", logging.Int("count", int(reclaimed)))
	}

	if err := d.coordinator.AdvanceAll(ctx); err != nil {
		d.logger.Warn("advance batches", logging.Error(err))
	}

	if days := d.cfg.Storage.RetentionDays; days > 0 {
		cutoff := time.Now().AddDate(0, 0, -days)
		removed, err := d.gateway.CleanupOlderThan(ctx, cutoff)
		if err != nil {
			d.logger.Warn("artifact cleanup", logging.Error(err))
		} else if removed > 0 {
			d.logger.Info("pruned aged artifacts", logging.Int("count", removed))
		}
	}
}

// artifactBaseURL derives the externally visible base URL for presigned
// local artifact links from the API bind address.
func artifactBaseURL(cfg *config.Config) string {
	host, port, err := net.SplitHostPort(cfg.Paths.APIBind)
	if err != nil {
		return "http://" + cfg.Paths.APIBind
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s", net.JoinHostPort(host, port))
}
