package orchestrator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type fakeExecutor struct {
	err     error
	calls   int32
	block   bool
	started chan string
}

func (f *fakeExecutor) ExecuteJob(ctx context.Context, job *Job) error {
	atomic.AddInt32(&f.calls, 1)
	if f.started != nil {
		f.started <- job.Key()
	}
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return f.err
}

func newTestOrchestrator(t *testing.T, executor JobExecutor) *Orchestrator {
	t.Helper()
	o, err := NewOrchestrator(1, executor)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	o.releaseTimeout = time.Second
	t.Cleanup(o.Stop)
	return o
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestEnqueueRunsJob(t *testing.T) {
	executor := &fakeExecutor{}
	o := newTestOrchestrator(t, executor)
	o.Start()

	if err := o.EnqueueJob(NewColumnJob("ds", "col", "")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitFor(t, func() bool { return atomic.LoadInt32(&executor.calls) == 1 })
	waitFor(t, func() bool { return !o.IsActive("ds", "col") })
}

func TestEnqueueRejectsDuplicateColumn(t *testing.T) {
	executor := &fakeExecutor{block: true, started: make(chan string, 1)}
	o := newTestOrchestrator(t, executor)
	o.Start()

	if err := o.EnqueueJob(NewColumnJob("ds", "col", "")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	<-executor.started

	if err := o.EnqueueJob(NewColumnJob("ds", "col", "")); !errors.Is(err, ErrJobExists) {
		t.Fatalf("expected ErrJobExists, got %v", err)
	}
	status := o.GetQueueStatus()
	if len(status.ActiveJobs) != 1 || status.ActiveJobs[0] != "ds/col" {
		t.Fatalf("unexpected active jobs: %v", status.ActiveJobs)
	}

	if !o.CancelJob("ds", "col") {
		t.Fatalf("expected running job to be cancelled")
	}
	if o.IsActive("ds", "col") {
		t.Fatalf("job should be gone after cancel")
	}
	if o.CancelJob("ds", "col") {
		t.Fatalf("second cancel should report nothing to cancel")
	}
}

func TestCancelQueuedJobSkipsExecution(t *testing.T) {
	executor := &fakeExecutor{}
	o := newTestOrchestrator(t, executor)

	// 未启动分发循环，任务停留在队列中
	if err := o.EnqueueJob(NewColumnJob("ds", "col", "")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if !o.CancelJob("ds", "col") {
		t.Fatalf("expected queued job to be cancelled")
	}

	job, ok := o.jobQueue.Dequeue()
	if !ok {
		t.Fatalf("job should still be in queue")
	}
	o.executeJob(job)
	if atomic.LoadInt32(&executor.calls) != 0 {
		t.Fatalf("cancelled job must not execute, got %d calls", executor.calls)
	}
}

func TestExecuteJobStopsOnTimeout(t *testing.T) {
	executor := &fakeExecutor{block: true}
	o := newTestOrchestrator(t, executor)

	job := NewColumnJob("ds", "col", "")
	job.Timeout = 50 * time.Millisecond
	o.queued[job.Key()] = struct{}{}

	start := time.Now()
	o.executeJob(job)
	elapsed := time.Since(start)

	if atomic.LoadInt32(&executor.calls) != 1 {
		t.Fatalf("executor should be called once, got %d", executor.calls)
	}
	if elapsed > 500*time.Millisecond {
		t.Fatalf("executeJob took too long: %v", elapsed)
	}
	if o.IsActive("ds", "col") {
		t.Fatalf("job should be unregistered after timeout")
	}
}

func TestFailedJobIsNotRetried(t *testing.T) {
	executor := &fakeExecutor{err: errors.New("boom")}
	o := newTestOrchestrator(t, executor)
	o.Start()

	if err := o.EnqueueJob(NewColumnJob("ds", "col", "")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitFor(t, func() bool { return !o.IsActive("ds", "col") && atomic.LoadInt32(&executor.calls) > 0 })
	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt32(&executor.calls); got != 1 {
		t.Fatalf("failed job should run exactly once, got %d", got)
	}
}

func TestEnqueueAfterStop(t *testing.T) {
	o := newTestOrchestrator(t, &fakeExecutor{})
	o.Start()
	o.Stop()

	if err := o.EnqueueJob(NewColumnJob("ds", "col", "")); !errors.Is(err, ErrOrchestratorStopped) {
		t.Fatalf("expected ErrOrchestratorStopped, got %v", err)
	}
}

func TestJobQueueRejectsWhenFull(t *testing.T) {
	q := newJobQueue(1)
	if err := q.Enqueue(NewColumnJob("ds", "a", "")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(NewColumnJob("ds", "b", "")); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	q.Close()
	if _, ok := q.Dequeue(); !ok {
		t.Fatalf("queued item should still be returned after close")
	}
	if _, ok := q.Dequeue(); ok {
		t.Fatalf("closed empty queue should return false")
	}
}
