// Package dispatcher implements the single-threaded cooperative scheduler:
// it owns a pool of isolated workers, binds queued jobs to workers
// by worker-hash affinity, and classifies each job's outcome into a
// retry, a requeue, or a permanent failure.
package dispatcher

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"golang.org/x/sync/errgroup"

	"github.com/paratest-core/paratest/errors"
	"github.com/paratest-core/paratest/internal/logging"
	"github.com/paratest-core/paratest/internal/protocol"
	"github.com/paratest-core/paratest/internal/testmodel"
)

// Options configures a Dispatcher run.
type Options struct {
	Workers       int
	Retries       int
	MaxFailures   int // 0 = unbounded
	GlobalTimeout time.Duration
	Clock         clock.Clock
	// FixtureFiles is forwarded to every launched worker's Init message so
	// it can rebuild its own fixture registry.
	FixtureFiles []string
}

// Event is forwarded to the caller's sink as tests progress, decoupling
// this package from any particular reporter implementation.
type Event struct {
	Begin     *protocol.TestBegin
	End       *protocol.TestEnd
	StdOut    *protocol.StdChunk
	StdErr    *protocol.StdChunk
	Error     error // a worker crash, fatal error, or teardown error
	Cancelled bool
}

// Summary is the terminal outcome of a Run.
type Summary struct {
	Stopped     bool // true if the run ended early (maxFailures or cancellation)
	StopReason  string
	FailedTests []string
}

// Dispatcher runs a fixed job list against a worker pool.
type Dispatcher struct {
	opts     Options
	launcher Launcher
	tests    map[string]*testmodel.Test
	onEvent  func(Event)
}

// New creates a Dispatcher. tests maps Test.ID to its Test record, used to
// append attempts and decide retry eligibility. onEvent is called for
// every Event in emission order (never concurrently).
func New(opts Options, launcher Launcher, tests map[string]*testmodel.Test, onEvent func(Event)) *Dispatcher {
	if opts.Clock == nil {
		opts.Clock = clock.NewClock()
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return &Dispatcher{opts: opts, launcher: launcher, tests: tests, onEvent: onEvent}
}

// worker tracks one launched WorkerHandle, the variation (worker hash) it
// is currently bound to, and the job it is currently running (if any), so
// a crash mid-job can be reconstructed into a requeue of whatever wasn't
// reported yet.
type worker struct {
	index  int
	handle WorkerHandle
	hash   string

	inFlight  *protocol.JobPayload
	completed int // entries of inFlight already reported via TestEnd
}

// Run drives jobs to completion (or to a stop condition), blocking until
// every job has either finished or been abandoned.
func (d *Dispatcher) Run(ctx context.Context, jobs []protocol.JobPayload) Summary {
	logging.Infof(ctx, "dispatcher: starting %d jobs across up to %d workers", len(jobs), d.opts.Workers)
	if d.opts.GlobalTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		defer cancel()
		go func() {
			select {
			case <-d.opts.Clock.After(d.opts.GlobalTimeout):
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	queue := append([]protocol.JobPayload(nil), jobs...)
	workers := make([]*worker, 0, d.opts.Workers)
	events := make(chan workerEvent, 64)

	var mu sync.Mutex
	failureCount := 0
	var failedTests []string
	stopped := false
	stopReason := ""
	attempts := map[string]int{} // per-worker-hash fatal-error count, for the requeue-once rule
	crashes := map[string]int{}  // per-testID crash count, for the requeue-once-then-fail rule

	stop := func(reason string) {
		mu.Lock()
		if !stopped {
			stopped = true
			stopReason = reason
		}
		mu.Unlock()
	}
	isStopped := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return stopped
	}

	var eg errgroup.Group
	launchWorker := func(hash string, job protocol.JobPayload) *worker {
		index := len(workers)
		h, err := d.launcher.Launch(ctx, index)
		if err != nil {
			d.emit(Event{Error: errors.Wrap(err, "launching worker")})
			stop("worker launch failed")
			return nil
		}

		repeatIdx := 0
		if len(job.Entries) > 0 {
			if parsed, perr := testmodel.ParseID(job.Entries[0].TestID); perr == nil {
				repeatIdx = parsed.RepeatEachIndex
			}
		}
		variationJSON, err := json.Marshal(job.Variation)
		if err != nil {
			d.emit(Event{Error: errors.Wrap(err, "encoding worker variation")})
			stop("worker init failed")
			return nil
		}
		if err := h.Send(&protocol.Envelope{Init: &protocol.Init{
			WorkerIndex:     index,
			FixtureFiles:    d.opts.FixtureFiles,
			RepeatEachIndex: repeatIdx,
			Variation:       string(variationJSON),
		}}); err != nil {
			d.emit(Event{Error: errors.Wrap(err, "sending worker init")})
			stop("worker init failed")
			return nil
		}
		env, err := h.Recv()
		if err != nil || env.Ready == nil {
			d.emit(Event{Error: errors.WrapKind(errors.KindWorkerCrash, err, "worker %d did not signal ready", index)})
			stop("worker init failed")
			return nil
		}

		w := &worker{index: index, handle: h, hash: hash}
		workers = append(workers, w)
		eg.Go(func() error {
			d.pump(ctx, w, events)
			return nil
		})
		return w
	}

	// free holds workers idle and ready for a new job, grouped by the
	// worker hash they are currently bound to. A worker never actually
	// rebinds in place (one OS process stays pinned to one variation for
	// its whole life); when every idle worker is bound to the wrong hash
	// and the pool is already at capacity, acquireIdleDifferentHash stops
	// one of them so its slot can be relaunched for the hash that's
	// actually waiting.
	free := map[string][]*worker{}

	// acquireIdleDifferentHash stops and discards one idle worker whose
	// hash isn't want, freeing a capacity slot for a fresh worker bound to
	// want. Returns false if no such worker exists (every idle worker
	// already matches want, or none are idle).
	acquireIdleDifferentHash := func(want string) bool {
		for hash, fw := range free {
			if hash == want || len(fw) == 0 {
				continue
			}
			w := fw[len(fw)-1]
			free[hash] = fw[:len(fw)-1]
			for i, ww := range workers {
				if ww == w {
					workers = append(workers[:i], workers[i+1:]...)
					break
				}
			}
			_ = w.handle.RequestStop()
			return true
		}
		return false
	}

	assignNext := func() {
		for i := 0; i < len(queue); i++ {
			job := queue[i]
			var w *worker
			if fw := free[job.WorkerHash]; len(fw) > 0 {
				w, free[job.WorkerHash] = fw[len(fw)-1], fw[:len(fw)-1]
			} else if len(workers) < d.opts.Workers {
				w = launchWorker(job.WorkerHash, job)
			} else if acquireIdleDifferentHash(job.WorkerHash) {
				w = launchWorker(job.WorkerHash, job)
			}
			if w == nil {
				continue
			}
			queue = append(queue[:i], queue[i+1:]...)
			jobCopy := job
			w.inFlight = &jobCopy
			w.completed = 0
			if err := w.handle.Send(&protocol.Envelope{Run: &protocol.Run{Job: job}}); err != nil {
				d.emit(Event{Error: errors.Wrap(err, "sending job to worker")})
				stop("worker send failed")
			}
			return
		}
	}

	// Prime the pool: assign one job per available worker slot.
	for len(queue) > 0 && len(workers) < d.opts.Workers {
		assignNext()
	}

	for !isStopped() {
		if len(queue) == 0 && allIdle(workers, free) {
			break
		}
		select {
		case <-ctx.Done():
			stop("cancelled")
		case ev := <-events:
			d.handleEvent(ev, &handleState{
				queue:        &queue,
				free:         free,
				attempts:     attempts,
				crashes:      crashes,
				workers:      &workers,
				failureCount: &failureCount,
				failedTests:  &failedTests,
				stop:         stop,
			})
			assignNext()
		}
	}

	for _, w := range workers {
		_ = w.handle.RequestStop()
	}
	// Keep draining events while workers run their shutdown hooks: a pump
	// goroutine can still have a TeardownError (or its final EOF) to
	// deliver, and eg.Wait() alone would leave it blocked writing to a
	// channel nobody reads.
	go func() {
		eg.Wait()
		close(events)
	}()
	for ev := range events {
		if ev.env != nil && ev.env.TeardownError != nil {
			d.emit(Event{Error: errors.WrapKind(errors.KindTeardownError, ev.env.TeardownError.Error, "worker %d teardown failed", ev.w.index)})
		}
	}

	if stopped {
		logging.Infof(ctx, "dispatcher: stopped early (%s), %d permanent failures", stopReason, len(failedTests))
	} else {
		logging.Infof(ctx, "dispatcher: finished, %d permanent failures", len(failedTests))
	}
	return Summary{Stopped: stopped, StopReason: stopReason, FailedTests: failedTests}
}

func allIdle(workers []*worker, free map[string][]*worker) bool {
	n := 0
	for _, fw := range free {
		n += len(fw)
	}
	return n == len(workers)
}

type workerEvent struct {
	w   *worker
	env *protocol.Envelope
	err error // set if Recv/Wait failed (crash)
}

// pump forwards one worker's Recv stream into events until it errors or
// the worker exits, then reports its exit status. Wait confirms whether
// the exit was a genuine crash or a clean shutdown (e.g. after
// RequestStop), the only call site for Wait in the dispatcher.
func (d *Dispatcher) pump(ctx context.Context, w *worker, events chan<- workerEvent) {
	for {
		env, err := w.handle.Recv()
		if err != nil {
			if werr := w.handle.Wait(); werr != nil {
				err = werr
			}
			events <- workerEvent{w: w, err: err}
			return
		}
		events <- workerEvent{w: w, env: env}
		if env.Done != nil {
			// The caller drives the next Send; keep pumping stdio/events
			// for the next job on the same connection.
			continue
		}
	}
}

type handleState struct {
	queue        *[]protocol.JobPayload
	free         map[string][]*worker
	attempts     map[string]int
	crashes      map[string]int
	workers      *[]*worker
	failureCount *int
	failedTests  *[]string
	stop         func(reason string)
}

func (d *Dispatcher) handleEvent(ev workerEvent, st *handleState) {
	if ev.err != nil {
		d.handleCrash(ev.w, ev.err, st)
		return
	}
	env := ev.env
	switch {
	case env.TestBegin != nil:
		d.emit(Event{Begin: env.TestBegin})
	case env.TestEnd != nil:
		d.recordResult(ev.w, env.TestEnd)
		ev.w.completed++
		d.emit(Event{End: env.TestEnd})
	case env.StdOut != nil:
		d.emit(Event{StdOut: env.StdOut})
	case env.StdErr != nil:
		d.emit(Event{StdErr: env.StdErr})
	case env.TeardownError != nil:
		d.emit(Event{Error: errors.WrapKind(errors.KindTeardownError, env.TeardownError.Error, "worker %d teardown failed", ev.w.index)})
	case env.Done != nil:
		d.handleDone(ev.w, env.Done, st)
	}
}

// removeWorker drops w from the live worker list so it no longer counts
// toward capacity or toward allIdle.
func (d *Dispatcher) removeWorker(w *worker, st *handleState) {
	ws := *st.workers
	for i, ww := range ws {
		if ww == w {
			*st.workers = append(ws[:i], ws[i+1:]...)
			return
		}
	}
}

// handleCrash reacts to a pump goroutine reporting its connection lost.
// An idle worker stopped deliberately (to free its slot for a different
// worker hash, or during final shutdown) has no in-flight job and is
// simply dropped. A worker that crashed mid-job has its unreported
// entries re-queued once; a second crash on the same test marks it
// permanently failed with a synthesized WorkerCrashed error instead of
// re-queueing forever.
func (d *Dispatcher) handleCrash(w *worker, werr error, st *handleState) {
	d.removeWorker(w, st)

	job := w.inFlight
	w.inFlight = nil
	if job == nil {
		return
	}
	remaining := job.Entries[w.completed:]
	w.completed = 0
	if len(remaining) == 0 {
		return
	}

	d.emit(Event{Error: errors.WrapKind(errors.KindWorkerCrash, werr, "worker %d crashed mid-job, re-queueing %d remaining test(s)", w.index, len(remaining))})

	crashedID := remaining[0].TestID
	st.crashes[crashedID]++
	if st.crashes[crashedID] > 1 {
		d.failPermanently(remaining[:1], &protocol.WireError{Message: "worker crashed twice while running this test"}, st)
		remaining = remaining[1:]
	}
	if len(remaining) > 0 {
		*st.queue = append(*st.queue, protocol.JobPayload{File: job.File, WorkerHash: w.hash, Variation: job.Variation, Entries: remaining})
	}
}

func (d *Dispatcher) recordResult(w *worker, end *protocol.TestEnd) {
	test, ok := d.tests[end.TestID]
	if !ok {
		return
	}
	test.AppendResult(&testmodel.TestResult{
		WorkerIndex: w.index,
		Duration:    end.Duration,
		Status:      end.Status,
		Error:       errOrNil(end.Error),
		Data:        end.Data,
	})
}

func errOrNil(w *protocol.WireError) error {
	if w == nil {
		return nil
	}
	return w
}

// handleDone classifies a Done message per the run's retry/max-failures
// policy and either frees the worker, requeues work, or stops the run.
func (d *Dispatcher) handleDone(w *worker, done *protocol.Done, st *handleState) {
	// Re-queued work keeps the file and variation of the job it came from,
	// so whichever worker picks it up loads the same suite.
	var file string
	var variation map[string]interface{}
	if w.inFlight != nil {
		file, variation = w.inFlight.File, w.inFlight.Variation
	}
	w.inFlight = nil
	w.completed = 0

	if done.FatalError != nil {
		n := st.attempts[w.hash] + 1
		st.attempts[w.hash] = n
		if n > 1 {
			d.failPermanently(done.Remaining, done.FatalError, st)
			return
		}
		*st.queue = append(*st.queue, protocol.JobPayload{File: file, WorkerHash: w.hash, Variation: variation, Entries: done.Remaining})
		st.free[w.hash] = append(st.free[w.hash], w)
		return
	}

	if done.FailedTestID == "" {
		st.free[w.hash] = append(st.free[w.hash], w)
		return
	}

	// Every non-skipped result whose status differs from its expected
	// status counts toward the maxFailures stop threshold, even one that
	// a later retry turns back into a pass.
	test := d.tests[done.FailedTestID]
	*st.failureCount++
	if d.opts.MaxFailures > 0 && *st.failureCount >= d.opts.MaxFailures {
		st.stop("maxFailures reached")
	}

	// Only a test that was expected to pass is worth retrying: an
	// ExpectFail test that unexpectedly passed won't somehow fail again.
	retried := test != nil && test.ExpectedStatus == testmodel.StatusPassed && len(test.Results) <= d.opts.Retries
	if retried {
		entry := protocol.TestEntry{
			TestID:         done.FailedTestID,
			Retry:          len(test.Results),
			Timeout:        test.Timeout,
			ExpectedStatus: test.ExpectedStatus,
			Skipped:        false,
		}
		*st.queue = append(*st.queue, protocol.JobPayload{File: file, WorkerHash: w.hash, Variation: variation, Entries: append([]protocol.TestEntry{entry}, done.Remaining...)})
		st.free[w.hash] = append(st.free[w.hash], w)
		return
	}

	*st.failedTests = append(*st.failedTests, done.FailedTestID)
	if len(done.Remaining) > 0 {
		*st.queue = append(*st.queue, protocol.JobPayload{File: file, WorkerHash: w.hash, Variation: variation, Entries: done.Remaining})
	}
	st.free[w.hash] = append(st.free[w.hash], w)
}

func (d *Dispatcher) failPermanently(entries []protocol.TestEntry, werr *protocol.WireError, st *handleState) {
	for _, e := range entries {
		if test, ok := d.tests[e.TestID]; ok {
			test.AppendResult(&testmodel.TestResult{Status: testmodel.StatusFailed, Error: werr})
		}
		*st.failureCount++
		*st.failedTests = append(*st.failedTests, e.TestID)
	}
	if d.opts.MaxFailures > 0 && *st.failureCount >= d.opts.MaxFailures {
		st.stop("maxFailures reached")
	}
}

func (d *Dispatcher) emit(ev Event) {
	if d.onEvent != nil {
		d.onEvent(ev)
	}
}

