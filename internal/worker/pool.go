package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"mediamill/internal/config"
	"mediamill/internal/logging"
	"mediamill/internal/notifications"
	"mediamill/internal/pipeline"
	"mediamill/internal/progress"
	"mediamill/internal/queue"
	"mediamill/internal/retry"
	"mediamill/internal/services"
	"mediamill/internal/stage"
	"mediamill/internal/storage"
)

// Pool runs the worker execution loops: lease a task, execute its stage
// handler, move artifacts through the storage gateway, and report the
// outcome to the queue and the progress store.
type Pool struct {
	cfg         *config.Config
	queue       *queue.Store
	state       *progress.Store
	registry    *stage.Registry
	gateway     *storage.Gateway
	notifier    notifications.Service
	coordinator *pipeline.Coordinator
	policy      retry.Policy
	logger      *slog.Logger

	poll       time.Duration
	visibility time.Duration
	timeout    time.Duration

	// active guards against executing the same logical task twice in this
	// process when the queue redelivers under at-least-once semantics.
	mu     sync.Mutex
	active map[string]struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Options collects the pool's collaborators.
type Options struct {
	Config      *config.Config
	Queue       *queue.Store
	State       *progress.Store
	Registry    *stage.Registry
	Gateway     *storage.Gateway
	Notifier    notifications.Service
	Coordinator *pipeline.Coordinator
	Logger      *slog.Logger
}

// New builds a worker pool. Notifier and Logger may be nil.
func New(opts Options) *Pool {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = notifications.NewService(&config.Config{})
	}
	cfg := opts.Config
	return &Pool{
		cfg:         cfg,
		queue:       opts.Queue,
		state:       opts.State,
		registry:    opts.Registry,
		gateway:     opts.Gateway,
		notifier:    notifier,
		coordinator: opts.Coordinator,
		policy:      retry.NewPolicy(cfg.Retry),
		logger:      logging.NewComponentLogger(logger, "worker"),
		poll:        time.Duration(cfg.Queue.PollInterval) * time.Second,
		visibility:  time.Duration(cfg.Queue.VisibilityTimeout) * time.Second,
		timeout:     time.Duration(cfg.Workers.StageTimeout) * time.Second,
		active:      make(map[string]struct{}),
	}
}

// Start launches the configured number of workers. They run until Stop.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	count := p.cfg.Workers.Count
	if count < 1 {
		count = 1
	}
	for i := 0; i < count; i++ {
		workerID := fmt.Sprintf("worker-%d", i+1)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.runWorker(ctx, workerID)
		}()
	}
	p.logger.Info("worker pool started", logging.Int("workers", count))
}

// Stop signals the workers and waits for in-flight stages to finish.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) runWorker(ctx context.Context, workerID string) {
	ctx = services.WithWorkerID(ctx, workerID)
	for {
		if ctx.Err() != nil {
			return
		}
		task, err := p.queue.Lease(ctx, workerID, p.visibility)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.ErrorContext(ctx, "lease failed", logging.Error(err))
			task = nil
		}
		if task == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.poll):
			}
			continue
		}
		p.execute(ctx, workerID, task)
	}
}

// tryAcquire marks a dedup key active, refusing when it already is.
func (p *Pool) tryAcquire(dedupKey string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.active[dedupKey]; busy {
		return false
	}
	p.active[dedupKey] = struct{}{}
	return true
}

func (p *Pool) release(dedupKey string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.active, dedupKey)
}
