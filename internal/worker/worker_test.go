package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"mediamill/internal/artifact"
	"mediamill/internal/config"
	"mediamill/internal/pipeline"
	"mediamill/internal/progress"
	"mediamill/internal/queue"
	"mediamill/internal/services"
	"mediamill/internal/stage"
	"mediamill/internal/storage"
	"mediamill/internal/testsupport"
)

type scriptedHandler struct {
	desc stage.Descriptor
	run  func(req *stage.Request, report stage.ProgressFunc) (*stage.Result, error)
}

func (h *scriptedHandler) Descriptor() stage.Descriptor { return h.desc }

func (h *scriptedHandler) Execute(ctx context.Context, req *stage.Request, report stage.ProgressFunc) (*stage.Result, error) {
	return h.run(req, report)
}

// writeOutput is the default handler body: emit a file derived from input.
func writeOutput(kind artifact.Kind, content string) func(*stage.Request, stage.ProgressFunc) (*stage.Result, error) {
	return func(req *stage.Request, report stage.ProgressFunc) (*stage.Result, error) {
		if report != nil {
			report(50, "halfway")
		}
		out := filepath.Join(req.WorkDir, "out.bin")
		if err := os.WriteFile(out, []byte(content), 0o644); err != nil {
			return nil, err
		}
		return &stage.Result{OutputPath: out, OutputKind: kind}, nil
	}
}

type recordingNotifier struct {
	mu        sync.Mutex
	completed []string
	failed    []string
	batches   []string
}

func (n *recordingNotifier) NotifyJobCompleted(_ context.Context, jobID, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.completed = append(n.completed, jobID)
	return nil
}

func (n *recordingNotifier) NotifyJobFailed(_ context.Context, jobID, _, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed = append(n.failed, jobID)
	return nil
}

func (n *recordingNotifier) NotifyBatchCompleted(_ context.Context, batchID string, _, _, _ int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.batches = append(n.batches, batchID)
	return nil
}

func (n *recordingNotifier) TestNotification(context.Context) error { return nil }

type fixture struct {
	cfg       *config.Config
	queue     *queue.Store
	state     *progress.Store
	registry  *stage.Registry
	gateway   *storage.Gateway
	submitter *pipeline.Submitter
	notifier  *recordingNotifier
	pool      *Pool
}

func newFixture(t *testing.T, handlers ...stage.Handler) *fixture {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	cfg.Retry.BaseDelayMS = 1
	cfg.Retry.MaxDelayMS = 5

	queueStore, err := queue.Open(cfg)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { queueStore.Close() })
	stateStore, err := progress.Open(cfg)
	if err != nil {
		t.Fatalf("open state: %v", err)
	}
	t.Cleanup(func() { stateStore.Close() })

	registry := stage.NewRegistry()
	for _, h := range handlers {
		registry.MustRegister(h)
	}

	local, err := storage.NewLocalBackend(cfg.Storage.LocalDir, "http://127.0.0.1:7737", "test-secret")
	if err != nil {
		t.Fatalf("local backend: %v", err)
	}
	gateway := storage.NewGateway(nil, local, nil)

	submitter := pipeline.NewSubmitter(pipeline.NewCompiler(registry), queueStore, stateStore, nil)
	coordinator := pipeline.NewCoordinator(submitter, queueStore, stateStore, cfg.Batch.MaxInFlight, nil)
	notifier := &recordingNotifier{}
	pool := New(Options{
		Config:      cfg,
		Queue:       queueStore,
		State:       stateStore,
		Registry:    registry,
		Gateway:     gateway,
		Notifier:    notifier,
		Coordinator: coordinator,
		Logger:      nil,
	})
	return &fixture{
		cfg: cfg, queue: queueStore, state: stateStore, registry: registry,
		gateway: gateway, submitter: submitter, notifier: notifier, pool: pool,
	}
}

func (f *fixture) seedInput(t *testing.T, content string) artifact.Ref {
	t.Helper()
	ref, err := f.gateway.Put(context.Background(), []byte(content), artifact.KindVideo, "inputs")
	if err != nil {
		t.Fatalf("seed input: %v", err)
	}
	return ref
}

// drain leases and executes tasks until the queue has nothing leasable,
// waiting out short retry backoffs.
func (f *fixture) drain(t *testing.T, workerID string) {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := f.queue.Lease(ctx, workerID, time.Minute)
		if err != nil {
			t.Fatalf("lease: %v", err)
		}
		if task == nil {
			stats, err := f.queue.Stats(ctx)
			if err != nil {
				t.Fatalf("stats: %v", err)
			}
			if stats.Pending == 0 {
				return
			}
			time.Sleep(10 * time.Millisecond) // backoff not elapsed yet
			continue
		}
		f.pool.execute(ctx, workerID, task)
	}
	t.Fatal("queue did not drain in time")
}

func TestTwoStageJobRunsEndToEnd(t *testing.T) {
	extract := &scriptedHandler{
		desc: stage.Descriptor{Name: "extract_audio", InputKind: artifact.KindVideo, OutputKind: artifact.KindAudio},
		run:  writeOutput(artifact.KindAudio, "audio-bytes"),
	}
	caption := &scriptedHandler{
		desc: stage.Descriptor{Name: "transcribe", InputKind: artifact.KindAudio, OutputKind: artifact.KindText},
		run: func(req *stage.Request, report stage.ProgressFunc) (*stage.Result, error) {
			// The second stage must receive the first stage's output.
			data, err := os.ReadFile(req.InputPath)
			if err != nil {
				return nil, err
			}
			if string(data) != "audio-bytes" {
				return nil, fmt.Errorf("unexpected input: %q", data)
			}
			return writeOutput(artifact.KindText, "transcript")(req, report)
		},
	}
	f := newFixture(t, extract, caption)
	ctx := context.Background()

	job, err := f.submitter.Submit(ctx, pipeline.SubmitRequest{
		Input:  f.seedInput(t, "video-bytes"),
		Stages: []pipeline.StageRequest{{Name: "extract_audio"}, {Name: "transcribe"}},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	f.drain(t, "worker-1")

	snapshot, err := f.state.Snapshot(ctx, job.ID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snapshot.Status != progress.JobSucceeded {
		t.Fatalf("expected succeeded job, got %s: %+v", snapshot.Status, snapshot.Stages)
	}
	for i, rec := range snapshot.Stages {
		if rec.Status != progress.StageSucceeded || rec.Percent != 100 {
			t.Fatalf("stage %d not complete: %+v", i, rec)
		}
		if rec.OutputRef.IsZero() {
			t.Fatalf("stage %d missing output ref", i)
		}
	}
	if snapshot.Job.FinalRef.IsZero() || snapshot.Job.FinalRef.Kind != artifact.KindText {
		t.Fatalf("final artifact not recorded: %+v", snapshot.Job.FinalRef)
	}
	final, err := f.gateway.Get(ctx, snapshot.Job.FinalRef)
	if err != nil {
		t.Fatalf("fetch final artifact: %v", err)
	}
	if string(final) != "transcript" {
		t.Fatalf("unexpected final artifact: %q", final)
	}
	if len(f.notifier.completed) != 1 || f.notifier.completed[0] != job.ID {
		t.Fatalf("expected one completion notification: %+v", f.notifier.completed)
	}
}

func TestTransientFailureIsRetriedThenSucceeds(t *testing.T) {
	var calls int
	flaky := &scriptedHandler{
		desc: stage.Descriptor{Name: "convert", InputKind: artifact.KindVideo, OutputKind: artifact.KindVideo},
		run: func(req *stage.Request, report stage.ProgressFunc) (*stage.Result, error) {
			calls++
			if calls == 1 {
				return nil, services.Wrap(services.ErrTransient, "convert", "ffmpeg", "socket hiccup", nil)
			}
			return writeOutput(artifact.KindVideo, "converted")(req, report)
		},
	}
	f := newFixture(t, flaky)
	ctx := context.Background()

	job, err := f.submitter.Submit(ctx, pipeline.SubmitRequest{
		Input:  f.seedInput(t, "video-bytes"),
		Stages: []pipeline.StageRequest{{Name: "convert"}},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	f.drain(t, "worker-1")

	if calls != 2 {
		t.Fatalf("expected 2 handler calls, got %d", calls)
	}
	snapshot, err := f.state.Snapshot(ctx, job.ID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snapshot.Status != progress.JobSucceeded {
		t.Fatalf("expected succeeded, got %s", snapshot.Status)
	}
	if snapshot.Stages[0].Attempt != 2 {
		t.Fatalf("success should land on attempt 2, got %d", snapshot.Stages[0].Attempt)
	}
}

func TestPermanentFailureFailsJobAndWithdrawsSuccessors(t *testing.T) {
	broken := &scriptedHandler{
		desc: stage.Descriptor{Name: "convert", InputKind: artifact.KindVideo, OutputKind: artifact.KindVideo},
		run: func(req *stage.Request, report stage.ProgressFunc) (*stage.Result, error) {
			return nil, services.Wrap(services.ErrPermanent, "convert", "ffmpeg", "unsupported codec", nil)
		},
	}
	second := &scriptedHandler{
		desc: stage.Descriptor{Name: "extract_audio", InputKind: artifact.KindVideo, OutputKind: artifact.KindAudio},
		run:  writeOutput(artifact.KindAudio, "never"),
	}
	f := newFixture(t, broken, second)
	ctx := context.Background()

	job, err := f.submitter.Submit(ctx, pipeline.SubmitRequest{
		Input:  f.seedInput(t, "video-bytes"),
		Stages: []pipeline.StageRequest{{Name: "convert"}, {Name: "extract_audio"}},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	f.drain(t, "worker-1")

	snapshot, err := f.state.Snapshot(ctx, job.ID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snapshot.Status != progress.JobFailed {
		t.Fatalf("expected failed job, got %s", snapshot.Status)
	}
	if snapshot.Stages[0].Attempt != 1 {
		t.Fatalf("permanent failure must not be retried, got attempt %d", snapshot.Stages[0].Attempt)
	}

	tasks, err := f.queue.TasksForJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("tasks: %v", err)
	}
	if tasks[0].Status != queue.TaskFailed {
		t.Fatalf("stage 0 task should be failed: %+v", tasks[0])
	}
	if tasks[1].Status != queue.TaskCancelled {
		t.Fatalf("successor task should be withdrawn: %+v", tasks[1])
	}
	if len(f.notifier.failed) != 1 {
		t.Fatalf("expected one failure notification: %+v", f.notifier.failed)
	}
}

func TestUnknownFailureRetriesOnceThenFails(t *testing.T) {
	var calls int
	mystery := &scriptedHandler{
		desc: stage.Descriptor{Name: "convert", InputKind: artifact.KindVideo, OutputKind: artifact.KindVideo},
		run: func(req *stage.Request, report stage.ProgressFunc) (*stage.Result, error) {
			calls++
			return nil, errors.New("segfault in plugin")
		},
	}
	f := newFixture(t, mystery)
	ctx := context.Background()

	job, err := f.submitter.Submit(ctx, pipeline.SubmitRequest{
		Input:  f.seedInput(t, "video-bytes"),
		Stages: []pipeline.StageRequest{{Name: "convert"}},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	f.drain(t, "worker-1")

	if calls != 2 {
		t.Fatalf("unclassified failures retry exactly once, got %d calls", calls)
	}
	snapshot, err := f.state.Snapshot(ctx, job.ID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snapshot.Status != progress.JobFailed {
		t.Fatalf("expected failed job, got %s", snapshot.Status)
	}
}

func TestCancelledJobObservedByWorker(t *testing.T) {
	slow := &scriptedHandler{
		desc: stage.Descriptor{Name: "convert", InputKind: artifact.KindVideo, OutputKind: artifact.KindVideo},
		run:  writeOutput(artifact.KindVideo, "converted"),
	}
	f := newFixture(t, slow)
	ctx := context.Background()

	job, err := f.submitter.Submit(ctx, pipeline.SubmitRequest{
		Input:  f.seedInput(t, "video-bytes"),
		Stages: []pipeline.StageRequest{{Name: "convert"}},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Lease first, then cancel: the worker must observe the flag and skip.
	task, err := f.queue.Lease(ctx, "worker-1", time.Minute)
	if err != nil || task == nil {
		t.Fatalf("lease: task=%v err=%v", task, err)
	}
	if err := f.submitter.Cancel(ctx, job.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	f.pool.execute(ctx, "worker-1", task)

	snapshot, err := f.state.Snapshot(ctx, job.ID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snapshot.Status != progress.JobCancelled {
		t.Fatalf("expected cancelled job, got %s", snapshot.Status)
	}
	if snapshot.Stages[0].Status == progress.StageSucceeded {
		t.Fatal("cancelled job's stage must not run")
	}
	if len(f.notifier.completed) != 0 {
		t.Fatal("cancelled job must not notify completion")
	}
}

func TestCancelDuringFinalStageDiscardsOutput(t *testing.T) {
	var f *fixture
	var jobID string
	// The handler cancels its own job before returning, standing in for a
	// cancel request that lands while the stage is still executing.
	convert := &scriptedHandler{
		desc: stage.Descriptor{Name: "convert", InputKind: artifact.KindVideo, OutputKind: artifact.KindVideo},
		run: func(req *stage.Request, report stage.ProgressFunc) (*stage.Result, error) {
			if err := f.submitter.Cancel(context.Background(), jobID); err != nil {
				return nil, err
			}
			return writeOutput(artifact.KindVideo, "converted")(req, report)
		},
	}
	f = newFixture(t, convert)
	ctx := context.Background()

	job, err := f.submitter.Submit(ctx, pipeline.SubmitRequest{
		Input:  f.seedInput(t, "video-bytes"),
		Stages: []pipeline.StageRequest{{Name: "convert"}},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	jobID = job.ID

	task, err := f.queue.Lease(ctx, "worker-1", time.Minute)
	if err != nil || task == nil {
		t.Fatalf("lease: task=%v err=%v", task, err)
	}
	f.pool.execute(ctx, "worker-1", task)

	snapshot, err := f.state.Snapshot(ctx, job.ID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snapshot.Status != progress.JobCancelled {
		t.Fatalf("expected cancelled job, got %s", snapshot.Status)
	}
	if !snapshot.Job.FinalRef.IsZero() {
		t.Fatalf("cancelled job must not record a final artifact: %+v", snapshot.Job.FinalRef)
	}
	if !snapshot.Stages[0].OutputRef.IsZero() {
		t.Fatalf("cancelled stage must not record output: %+v", snapshot.Stages[0].OutputRef)
	}
	if len(f.notifier.completed) != 0 {
		t.Fatal("cancelled job must not notify completion")
	}

	tasks, err := f.queue.TasksForJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("tasks: %v", err)
	}
	if tasks[0].Status != queue.TaskFailed {
		t.Fatalf("cancelled stage task should settle as failed: %+v", tasks[0])
	}
	// The stored stage output must be deleted, leaving only the seeded input.
	objects, err := f.gateway.Local().List(ctx, "jobs/")
	if err != nil {
		t.Fatalf("list artifacts: %v", err)
	}
	if len(objects) != 0 {
		t.Fatalf("stage output should be discarded, found %d objects", len(objects))
	}
}

func TestDuplicateDeliveryGuard(t *testing.T) {
	f := newFixture(t)
	if !f.pool.tryAcquire("job:0") {
		t.Fatal("first acquire should succeed")
	}
	if f.pool.tryAcquire("job:0") {
		t.Fatal("second acquire of an active key should fail")
	}
	f.pool.release("job:0")
	if !f.pool.tryAcquire("job:0") {
		t.Fatal("acquire after release should succeed")
	}
}
