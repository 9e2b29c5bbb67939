package dispatcher

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/paratest-core/paratest/internal/protocol"
	"github.com/paratest-core/paratest/internal/testmodel"
)

// scriptFn decides how a fake worker answers one assigned job: the
// TestEnd envelopes to emit (one per entry, in order), the Done that
// follows them, and whether the worker should instead crash before
// sending Done (simulating a mid-job disconnect).
type scriptFn func(job protocol.JobPayload) (ends []*protocol.TestEnd, done protocol.Done, crash bool)

// fakeHandle is an in-process WorkerHandle driven entirely by channels,
// standing in for a real worker subprocess so dispatcher tests never
// spawn an OS process.
type fakeHandle struct {
	in       chan *protocol.Envelope
	out      chan *protocol.Envelope
	exited   chan struct{}
	exitOnce sync.Once
}

func newFakeHandle(script scriptFn) *fakeHandle {
	h := &fakeHandle{
		in:     make(chan *protocol.Envelope, 16),
		out:    make(chan *protocol.Envelope, 16),
		exited: make(chan struct{}),
	}
	go h.run(script)
	return h
}

func (h *fakeHandle) closeExited() {
	h.exitOnce.Do(func() { close(h.exited) })
}

func (h *fakeHandle) run(script scriptFn) {
	defer h.closeExited()
	defer close(h.out)
	env := <-h.in
	if env == nil || env.Init == nil {
		return
	}
	h.out <- &protocol.Envelope{Ready: &protocol.Ready{}}

	for env := range h.in {
		switch {
		case env.Run != nil:
			ends, done, crash := script(env.Run.Job)
			for _, e := range ends {
				h.out <- &protocol.Envelope{TestEnd: e}
			}
			if crash {
				// Hang up without a Done, as if the process had just died.
				return
			}
			h.out <- &protocol.Envelope{Done: &done}
		case env.Stop != nil:
			return
		}
	}
}

func (h *fakeHandle) Send(env *protocol.Envelope) error {
	h.in <- env
	return nil
}

func (h *fakeHandle) Recv() (*protocol.Envelope, error) {
	env, ok := <-h.out
	if !ok {
		return nil, io.EOF
	}
	return env, nil
}

func (h *fakeHandle) RequestStop() error {
	h.in <- &protocol.Envelope{Stop: &protocol.Stop{}}
	return nil
}

func (h *fakeHandle) Wait() error {
	<-h.exited
	return nil
}

// fakeLauncher hands out a fresh fakeHandle per Launch call, all driven
// by the same script.
func fakeLauncher(script scriptFn) LauncherFunc {
	return func(ctx context.Context, workerIndex int) (WorkerHandle, error) {
		return newFakeHandle(script), nil
	}
}

func passResult(testID string) *protocol.TestEnd {
	return &protocol.TestEnd{TestID: testID, Status: testmodel.StatusPassed, Duration: time.Millisecond}
}

func failResult(testID string) *protocol.TestEnd {
	return &protocol.TestEnd{TestID: testID, Status: testmodel.StatusFailed, Duration: time.Millisecond, Error: &protocol.WireError{Message: "boom"}}
}

func TestDispatcherRunsAllJobsToCompletion(t *testing.T) {
	test := &testmodel.Test{ID: "0@a_test.go#run0-repeat0"}
	tests := map[string]*testmodel.Test{test.ID: test}

	script := func(job protocol.JobPayload) ([]*protocol.TestEnd, protocol.Done, bool) {
		return []*protocol.TestEnd{passResult(job.Entries[0].TestID)}, protocol.Done{}, false
	}

	d := New(Options{Workers: 1}, fakeLauncher(script), tests, nil)
	summary := d.Run(context.Background(), []protocol.JobPayload{
		{WorkerHash: "h1", Entries: []protocol.TestEntry{{TestID: test.ID}}},
	})

	if summary.Stopped {
		t.Fatalf("Summary.Stopped = true, want false: %+v", summary)
	}
	if len(test.Results) != 1 || test.Results[0].Status != testmodel.StatusPassed {
		t.Fatalf("test.Results = %+v, want one passing result", test.Results)
	}
}

func TestDispatcherRetriesFailedTestUpToLimit(t *testing.T) {
	test := &testmodel.Test{ID: "0@a_test.go#run0-repeat0", ExpectedStatus: testmodel.StatusPassed}
	tests := map[string]*testmodel.Test{test.ID: test}

	script := func(job protocol.JobPayload) ([]*protocol.TestEnd, protocol.Done, bool) {
		entry := job.Entries[0]
		if entry.Retry == 0 {
			return []*protocol.TestEnd{failResult(entry.TestID)}, protocol.Done{FailedTestID: entry.TestID}, false
		}
		return []*protocol.TestEnd{passResult(entry.TestID)}, protocol.Done{}, false
	}

	d := New(Options{Workers: 1, Retries: 1}, fakeLauncher(script), tests, nil)
	summary := d.Run(context.Background(), []protocol.JobPayload{
		{WorkerHash: "h1", Entries: []protocol.TestEntry{{TestID: test.ID, ExpectedStatus: testmodel.StatusPassed}}},
	})

	if summary.Stopped {
		t.Fatalf("Summary.Stopped = true, want false after a successful retry: %+v", summary)
	}
	if len(test.Results) != 2 {
		t.Fatalf("len(test.Results) = %d, want 2 (one failure, one passing retry)", len(test.Results))
	}
	if test.Results[0].Status != testmodel.StatusFailed || test.Results[1].Status != testmodel.StatusPassed {
		t.Fatalf("test.Results = %+v, want [failed, passed]", test.Results)
	}
}

func TestDispatcherDoesNotRetryAnExpectFailTestThatUnexpectedlyPasses(t *testing.T) {
	test := &testmodel.Test{ID: "0@a_test.go#run0-repeat0", ExpectedStatus: testmodel.StatusFailed}
	tests := map[string]*testmodel.Test{test.ID: test}

	var calls int
	script := func(job protocol.JobPayload) ([]*protocol.TestEnd, protocol.Done, bool) {
		calls++
		entry := job.Entries[0]
		return []*protocol.TestEnd{passResult(entry.TestID)}, protocol.Done{FailedTestID: entry.TestID}, false
	}

	d := New(Options{Workers: 1, Retries: 2}, fakeLauncher(script), tests, nil)
	summary := d.Run(context.Background(), []protocol.JobPayload{
		{WorkerHash: "h1", Entries: []protocol.TestEntry{{TestID: test.ID, ExpectedStatus: testmodel.StatusFailed}}},
	})

	if calls != 1 {
		t.Fatalf("worker invoked %d times, want exactly 1 (no retry of an unexpected pass)", calls)
	}
	if diff := cmp.Diff([]string{test.ID}, summary.FailedTests); diff != "" {
		t.Fatalf("FailedTests mismatch (-want +got):\n%s", diff)
	}
}

func TestDispatcherStopsAtMaxFailures(t *testing.T) {
	test := &testmodel.Test{ID: "0@a_test.go#run0-repeat0"}
	tests := map[string]*testmodel.Test{test.ID: test}

	script := func(job protocol.JobPayload) ([]*protocol.TestEnd, protocol.Done, bool) {
		entry := job.Entries[0]
		return []*protocol.TestEnd{failResult(entry.TestID)}, protocol.Done{FailedTestID: entry.TestID}, false
	}

	d := New(Options{Workers: 1, Retries: 0, MaxFailures: 1}, fakeLauncher(script), tests, nil)
	summary := d.Run(context.Background(), []protocol.JobPayload{
		{WorkerHash: "h1", Entries: []protocol.TestEntry{{TestID: test.ID}}},
	})

	if !summary.Stopped || summary.StopReason != "maxFailures reached" {
		t.Fatalf("Summary = %+v, want Stopped with reason 'maxFailures reached'", summary)
	}
	if diff := cmp.Diff([]string{test.ID}, summary.FailedTests); diff != "" {
		t.Fatalf("FailedTests mismatch (-want +got):\n%s", diff)
	}
}

func TestDispatcherCountsRetriedFailuresTowardMaxFailures(t *testing.T) {
	test := &testmodel.Test{ID: "0@a_test.go#run0-repeat0", ExpectedStatus: testmodel.StatusPassed}
	tests := map[string]*testmodel.Test{test.ID: test}

	script := func(job protocol.JobPayload) ([]*protocol.TestEnd, protocol.Done, bool) {
		entry := job.Entries[0]
		if entry.Retry == 0 {
			return []*protocol.TestEnd{failResult(entry.TestID)}, protocol.Done{FailedTestID: entry.TestID}, false
		}
		return []*protocol.TestEnd{passResult(entry.TestID)}, protocol.Done{}, false
	}

	// MaxFailures=1 should trip on the first failed attempt even though it
	// is retried away to a pass immediately after.
	d := New(Options{Workers: 1, Retries: 1, MaxFailures: 1}, fakeLauncher(script), tests, nil)
	summary := d.Run(context.Background(), []protocol.JobPayload{
		{WorkerHash: "h1", Entries: []protocol.TestEntry{{TestID: test.ID, ExpectedStatus: testmodel.StatusPassed}}},
	})

	if !summary.Stopped || summary.StopReason != "maxFailures reached" {
		t.Fatalf("Summary = %+v, want Stopped with reason 'maxFailures reached'", summary)
	}
}

func TestDispatcherBindsDistinctWorkerHashesToDistinctWorkers(t *testing.T) {
	testA := &testmodel.Test{ID: "0@a_test.go#run0-repeat0"}
	testB := &testmodel.Test{ID: "1@b_test.go#run0-repeat0"}
	tests := map[string]*testmodel.Test{testA.ID: testA, testB.ID: testB}

	script := func(job protocol.JobPayload) ([]*protocol.TestEnd, protocol.Done, bool) {
		return []*protocol.TestEnd{passResult(job.Entries[0].TestID)}, protocol.Done{}, false
	}

	d := New(Options{Workers: 2}, fakeLauncher(script), tests, nil)
	summary := d.Run(context.Background(), []protocol.JobPayload{
		{WorkerHash: "hashA", Entries: []protocol.TestEntry{{TestID: testA.ID}}},
		{WorkerHash: "hashB", Entries: []protocol.TestEntry{{TestID: testB.ID}}},
	})

	if summary.Stopped {
		t.Fatalf("Summary.Stopped = true, want false: %+v", summary)
	}
	for _, test := range tests {
		if len(test.Results) != 1 || test.Results[0].Status != testmodel.StatusPassed {
			t.Fatalf("test %s Results = %+v, want one passing result", test.ID, test.Results)
		}
	}
}

func TestDispatcherReboundsAnIdleWorkerToServeAWaitingDifferentHash(t *testing.T) {
	testA := &testmodel.Test{ID: "0@a_test.go#run0-repeat0"}
	testB := &testmodel.Test{ID: "1@b_test.go#run0-repeat0"}
	tests := map[string]*testmodel.Test{testA.ID: testA, testB.ID: testB}

	script := func(job protocol.JobPayload) ([]*protocol.TestEnd, protocol.Done, bool) {
		return []*protocol.TestEnd{passResult(job.Entries[0].TestID)}, protocol.Done{}, false
	}

	// Only one worker slot but two distinct worker hashes: without
	// stopping and rebinding an idle worker bound to the wrong hash, the
	// second job can never be assigned and Run hangs forever.
	d := New(Options{Workers: 1}, fakeLauncher(script), tests, nil)
	summary := d.Run(context.Background(), []protocol.JobPayload{
		{WorkerHash: "hashA", Entries: []protocol.TestEntry{{TestID: testA.ID}}},
		{WorkerHash: "hashB", Entries: []protocol.TestEntry{{TestID: testB.ID}}},
	})

	if summary.Stopped {
		t.Fatalf("Summary.Stopped = true, want false: %+v", summary)
	}
	for _, test := range tests {
		if len(test.Results) != 1 || test.Results[0].Status != testmodel.StatusPassed {
			t.Fatalf("test %s Results = %+v, want one passing result", test.ID, test.Results)
		}
	}
}

func TestDispatcherRequeuesOnceThenPermanentlyFailsOnSecondCrash(t *testing.T) {
	test := &testmodel.Test{ID: "0@a_test.go#run0-repeat0", ExpectedStatus: testmodel.StatusPassed}
	tests := map[string]*testmodel.Test{test.ID: test}

	var calls int
	script := func(job protocol.JobPayload) ([]*protocol.TestEnd, protocol.Done, bool) {
		calls++
		if calls <= 2 {
			return nil, protocol.Done{}, true // crash before reporting anything
		}
		return []*protocol.TestEnd{passResult(job.Entries[0].TestID)}, protocol.Done{}, false
	}

	d := New(Options{Workers: 1}, fakeLauncher(script), tests, nil)
	summary := d.Run(context.Background(), []protocol.JobPayload{
		{WorkerHash: "h1", Entries: []protocol.TestEntry{{TestID: test.ID, ExpectedStatus: testmodel.StatusPassed}}},
	})

	if calls != 2 {
		t.Fatalf("worker invoked %d times, want exactly 2 (one requeue, then permanent failure without a third attempt)", calls)
	}
	if diff := cmp.Diff([]string{test.ID}, summary.FailedTests); diff != "" {
		t.Fatalf("FailedTests mismatch (-want +got):\n%s", diff)
	}
	if len(test.Results) != 1 || test.Results[0].Status != testmodel.StatusFailed {
		t.Fatalf("test.Results = %+v, want one synthesized failure", test.Results)
	}
}

func TestDispatcherGlobalTimeoutCancelsRun(t *testing.T) {
	test := &testmodel.Test{ID: "0@a_test.go#run0-repeat0"}
	tests := map[string]*testmodel.Test{test.ID: test}

	block := make(chan struct{})
	script := func(job protocol.JobPayload) ([]*protocol.TestEnd, protocol.Done, bool) {
		<-block // never answers before being released below
		return nil, protocol.Done{}, false
	}
	// Release the stuck worker well after the global timeout fires, so the
	// run is forced through cancellation rather than a natural finish.
	go func() {
		time.Sleep(100 * time.Millisecond)
		close(block)
	}()

	d := New(Options{Workers: 1, GlobalTimeout: 10 * time.Millisecond}, fakeLauncher(script), tests, nil)
	summary := d.Run(context.Background(), []protocol.JobPayload{
		{WorkerHash: "h1", Entries: []protocol.TestEntry{{TestID: test.ID}}},
	})

	if !summary.Stopped || summary.StopReason != "cancelled" {
		t.Fatalf("Summary = %+v, want Stopped with reason 'cancelled'", summary)
	}
}
