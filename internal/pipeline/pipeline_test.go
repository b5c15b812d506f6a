package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"mediamill/internal/artifact"
	"mediamill/internal/progress"
	"mediamill/internal/queue"
	"mediamill/internal/services"
	"mediamill/internal/stage"
)

type fakeHandler struct {
	desc stage.Descriptor
}

func (h *fakeHandler) Descriptor() stage.Descriptor { return h.desc }

func (h *fakeHandler) Execute(ctx context.Context, req *stage.Request, report stage.ProgressFunc) (*stage.Result, error) {
	return &stage.Result{OutputPath: req.InputPath, OutputKind: h.desc.OutputKind}, nil
}

func testRegistry(t *testing.T) *stage.Registry {
	t.Helper()
	reg := stage.NewRegistry()
	descs := []stage.Descriptor{
		{Name: "convert", InputKind: artifact.KindVideo, OutputKind: artifact.KindVideo,
			Params: []stage.ParamSpec{{Name: "format"}}},
		{Name: "extract_audio", InputKind: artifact.KindVideo, OutputKind: artifact.KindAudio},
		{Name: "transcribe", InputKind: artifact.KindAudio, OutputKind: artifact.KindText},
	}
	for _, desc := range descs {
		reg.MustRegister(&fakeHandler{desc: desc})
	}
	return reg
}

type fixture struct {
	queue       *queue.Store
	state       *progress.Store
	submitter   *Submitter
	coordinator *Coordinator
}

func newFixture(t *testing.T, maxInFlight int) *fixture {
	t.Helper()
	dir := t.TempDir()
	queueStore, err := queue.OpenPath(filepath.Join(dir, "queue.db"))
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { queueStore.Close() })
	stateStore, err := progress.OpenPath(filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatalf("open state: %v", err)
	}
	t.Cleanup(func() { stateStore.Close() })

	submitter := NewSubmitter(NewCompiler(testRegistry(t)), queueStore, stateStore, nil)
	coordinator := NewCoordinator(submitter, queueStore, stateStore, maxInFlight, nil)
	return &fixture{queue: queueStore, state: stateStore, submitter: submitter, coordinator: coordinator}
}

func videoInput(key string) artifact.Ref {
	return artifact.Ref{Backend: artifact.BackendLocal, Key: key, Kind: artifact.KindVideo}
}

func TestCompileChainsKinds(t *testing.T) {
	compiler := NewCompiler(testRegistry(t))
	specs, err := compiler.Compile(artifact.KindVideo, []StageRequest{
		{Name: "convert", Params: map[string]string{"format": "mp4"}},
		{Name: "extract_audio"},
		{Name: "transcribe"},
	})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if len(specs) != 3 {
		t.Fatalf("expected 3 specs, got %d", len(specs))
	}
	if specs[1].OutputKind != artifact.KindAudio || specs[2].InputKind != artifact.KindAudio {
		t.Fatalf("kinds not chained: %+v", specs)
	}
}

func TestCompileRejectsKindMismatch(t *testing.T) {
	compiler := NewCompiler(testRegistry(t))
	// transcribe consumes audio but receives video.
	_, err := compiler.Compile(artifact.KindVideo, []StageRequest{{Name: "transcribe"}})
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	// extract_audio after transcribe: text into a video-consuming stage.
	_, err = compiler.Compile(artifact.KindAudio, []StageRequest{
		{Name: "transcribe"},
		{Name: "extract_audio"},
	})
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCompileRejectsUnknownStageAndParams(t *testing.T) {
	compiler := NewCompiler(testRegistry(t))
	_, err := compiler.Compile(artifact.KindVideo, []StageRequest{{Name: "sharpen"}})
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error for unknown stage, got %v", err)
	}
	_, err = compiler.Compile(artifact.KindVideo, []StageRequest{
		{Name: "convert", Params: map[string]string{"bogus": "1"}},
	})
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error for unknown param, got %v", err)
	}
	_, err = compiler.Compile(artifact.KindVideo, nil)
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error for empty pipeline, got %v", err)
	}
}

func TestSubmitCreatesOneTaskPerStage(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	job, err := f.submitter.Submit(ctx, SubmitRequest{
		Input: videoInput("in/clip.mp4"),
		Stages: []StageRequest{
			{Name: "convert"},
			{Name: "extract_audio"},
			{Name: "transcribe"},
		},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	tasks, err := f.queue.TasksForJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("tasks: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("expected one task per stage, got %d", len(tasks))
	}
	for i, task := range tasks {
		if task.StageIndex != i || task.Status != queue.TaskPending {
			t.Fatalf("task %d unexpected: %+v", i, task)
		}
	}

	snapshot, err := f.submitter.Status(ctx, job.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if snapshot.Status != progress.JobPending {
		t.Fatalf("fresh job should be pending, got %s", snapshot.Status)
	}
}

func TestSubmitRejectsInvalidPipelineWithoutEnqueueing(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	_, err := f.submitter.Submit(ctx, SubmitRequest{
		Input:  videoInput("in/clip.mp4"),
		Stages: []StageRequest{{Name: "convert"}, {Name: "transcribe"}},
	})
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	stats, err := f.queue.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total() != 0 {
		t.Fatalf("rejected submission must not enqueue tasks: %+v", stats)
	}
}

func TestCancelWithdrawsPendingTasks(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	job, err := f.submitter.Submit(ctx, SubmitRequest{
		Input:  videoInput("in/clip.mp4"),
		Stages: []StageRequest{{Name: "convert"}, {Name: "extract_audio"}},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := f.submitter.Cancel(ctx, job.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	snapshot, err := f.submitter.Status(ctx, job.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if snapshot.Status != progress.JobCancelled {
		t.Fatalf("expected cancelled, got %s", snapshot.Status)
	}
	leased, err := f.queue.Lease(ctx, "worker-a", time.Minute)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if leased != nil {
		t.Fatalf("cancelled job's task leased: %+v", leased)
	}
}

func TestRetryRequiresTerminalFailure(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	job, err := f.submitter.Submit(ctx, SubmitRequest{
		Input:  videoInput("in/clip.mp4"),
		Stages: []StageRequest{{Name: "convert"}},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := f.submitter.Retry(ctx, job.ID); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("retry of a pending job must fail, got %v", err)
	}

	// Fail the job, then retry it.
	task, err := f.queue.Lease(ctx, "worker-a", time.Minute)
	if err != nil || task == nil {
		t.Fatalf("lease: task=%v err=%v", task, err)
	}
	if err := f.queue.Fail(ctx, task.ID, "worker-a", "bad input"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if err := f.state.Update(ctx, progress.Record{JobID: job.ID, StageIndex: 0, Status: progress.StageFailed, Attempt: 1}); err != nil {
		t.Fatalf("update: %v", err)
	}

	if err := f.submitter.Retry(ctx, job.ID); err != nil {
		t.Fatalf("retry: %v", err)
	}
	snapshot, err := f.submitter.Status(ctx, job.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if snapshot.Status != progress.JobPending {
		t.Fatalf("retried job should be pending again, got %s", snapshot.Status)
	}
	relisted, err := f.queue.Lease(ctx, "worker-b", time.Minute)
	if err != nil || relisted == nil {
		t.Fatalf("lease after retry: task=%v err=%v", relisted, err)
	}
	if relisted.Attempt != 0 {
		t.Fatalf("retry should reset the attempt budget, got %d", relisted.Attempt)
	}
}

func succeedJob(t *testing.T, f *fixture, jobID string) {
	t.Helper()
	ctx := context.Background()
	for {
		task, err := f.queue.Lease(ctx, "worker-test", time.Minute)
		if err != nil {
			t.Fatalf("lease: %v", err)
		}
		if task == nil {
			return
		}
		if task.JobID != jobID {
			// Park sibling tasks out of the way while draining this job.
			if err := f.queue.Nack(ctx, task.ID, "worker-test", time.Hour, ""); err != nil {
				t.Fatalf("nack: %v", err)
			}
			continue
		}
		if err := f.queue.Ack(ctx, task.ID, "worker-test"); err != nil {
			t.Fatalf("ack: %v", err)
		}
		err = f.state.Update(ctx, progress.Record{
			JobID: task.JobID, StageIndex: task.StageIndex,
			Status: progress.StageSucceeded, Percent: 100, Attempt: task.Attempt + 1,
		})
		if err != nil {
			t.Fatalf("update: %v", err)
		}
	}
}

func TestBatchAdmissionHonorsInFlightCeiling(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	inputs := make([]SubmitRequest, 0, 5)
	for i := 0; i < 5; i++ {
		inputs = append(inputs, SubmitRequest{
			Input:  videoInput("in/clip.mp4"),
			Stages: []StageRequest{{Name: "convert"}},
		})
	}
	batchID, jobIDs, err := f.coordinator.SubmitBatch(ctx, BatchRequest{Inputs: inputs})
	if err != nil {
		t.Fatalf("submit batch: %v", err)
	}
	if len(jobIDs) != 5 {
		t.Fatalf("expected 5 member jobs, got %d", len(jobIDs))
	}

	admitted := 0
	for _, jobID := range jobIDs {
		tasks, err := f.queue.TasksForJob(ctx, jobID)
		if err != nil {
			t.Fatalf("tasks: %v", err)
		}
		if len(tasks) > 0 {
			admitted++
		}
	}
	if admitted != 2 {
		t.Fatalf("expected 2 admitted members, got %d", admitted)
	}

	// Finishing one member frees a slot for the next.
	succeedJob(t, f, jobIDs[0])
	if err := f.coordinator.Advance(ctx, batchID); err != nil {
		t.Fatalf("advance: %v", err)
	}
	admitted = 0
	for _, jobID := range jobIDs {
		tasks, err := f.queue.TasksForJob(ctx, jobID)
		if err != nil {
			t.Fatalf("tasks: %v", err)
		}
		if len(tasks) > 0 {
			admitted++
		}
	}
	if admitted != 3 {
		t.Fatalf("expected a third member admitted after one finished, got %d", admitted)
	}
}

func TestBatchCancelStopsAdmittedAndWaitingMembers(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	inputs := make([]SubmitRequest, 0, 3)
	for i := 0; i < 3; i++ {
		inputs = append(inputs, SubmitRequest{
			Input:  videoInput("in/clip.mp4"),
			Stages: []StageRequest{{Name: "convert"}},
		})
	}
	batchID, jobIDs, err := f.coordinator.SubmitBatch(ctx, BatchRequest{Inputs: inputs})
	if err != nil {
		t.Fatalf("submit batch: %v", err)
	}

	cancelled, err := f.coordinator.Cancel(ctx, batchID)
	if err != nil {
		t.Fatalf("cancel batch: %v", err)
	}
	if cancelled != 3 {
		t.Fatalf("expected all 3 members cancelled, got %d", cancelled)
	}

	// Every member carries the flag, admitted or not.
	for _, jobID := range jobIDs {
		snapshot, err := f.submitter.Status(ctx, jobID)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if snapshot.Status != progress.JobCancelled {
			t.Fatalf("member %s should be cancelled, got %s", jobID, snapshot.Status)
		}
	}

	// Admission after cancel must not enqueue the waiting members.
	if err := f.coordinator.Advance(ctx, batchID); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if leased, err := f.queue.Lease(ctx, "worker-a", time.Minute); err != nil || leased != nil {
		t.Fatalf("cancelled batch must leave nothing leasable: task=%v err=%v", leased, err)
	}

	snap, err := f.coordinator.Status(ctx, batchID)
	if err != nil {
		t.Fatalf("batch status: %v", err)
	}
	if snap.Cancelled != 3 || !snap.Terminal() {
		t.Fatalf("expected terminal batch with 3 cancelled members: %+v", snap)
	}

	// A second cancel is a no-op; terminal members are skipped.
	again, err := f.coordinator.Cancel(ctx, batchID)
	if err != nil {
		t.Fatalf("repeat cancel: %v", err)
	}
	if again != 0 {
		t.Fatalf("repeat cancel should touch nothing, got %d", again)
	}

	if _, err := f.coordinator.Cancel(ctx, "no-such-batch"); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not-found for unknown batch, got %v", err)
	}
}

func TestBatchMemberFailureIsIsolated(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()

	inputs := []SubmitRequest{
		{Input: videoInput("a.mp4"), Stages: []StageRequest{{Name: "convert"}}},
		{Input: videoInput("b.mp4"), Stages: []StageRequest{{Name: "convert"}}},
	}
	batchID, jobIDs, err := f.coordinator.SubmitBatch(ctx, BatchRequest{Inputs: inputs})
	if err != nil {
		t.Fatalf("submit batch: %v", err)
	}

	// Fail the first member permanently.
	task, err := f.queue.Lease(ctx, "worker-a", time.Minute)
	if err != nil || task == nil {
		t.Fatalf("lease: task=%v err=%v", task, err)
	}
	if err := f.queue.Fail(ctx, task.ID, "worker-a", "boom"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if err := f.state.Update(ctx, progress.Record{JobID: task.JobID, StageIndex: 0, Status: progress.StageFailed, Attempt: 1}); err != nil {
		t.Fatalf("update: %v", err)
	}

	// The sibling still runs to completion.
	other := jobIDs[0]
	if other == task.JobID {
		other = jobIDs[1]
	}
	succeedJob(t, f, other)

	snap, err := f.coordinator.Status(ctx, batchID)
	if err != nil {
		t.Fatalf("batch status: %v", err)
	}
	if snap.Failed != 1 || snap.Succeeded != 1 {
		t.Fatalf("expected one failed and one succeeded member: %+v", snap)
	}
	if !snap.Terminal() {
		t.Fatal("batch should be terminal")
	}
}

func TestParseDefinition(t *testing.T) {
	def, err := ParseDefinition([]byte(`
name: podcast
input_kind: video
stages:
  - name: extract_audio
    params:
      format: wav
  - name: transcribe
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if def.Name != "podcast" || def.Kind() != artifact.KindVideo {
		t.Fatalf("unexpected definition: %+v", def)
	}
	if len(def.Stages) != 2 || def.Stages[0].Params["format"] != "wav" {
		t.Fatalf("stages not decoded: %+v", def.Stages)
	}

	if _, err := ParseDefinition([]byte(`name: empty`)); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error for stageless definition, got %v", err)
	}
	if _, err := ParseDefinition([]byte("name: bad\ninput_kind: floppy\nstages:\n  - name: convert\n")); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error for unknown kind, got %v", err)
	}
}
