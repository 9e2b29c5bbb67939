// Package worker implements the worker runner: executing one job
// (a sequence of tests sharing a worker hash) inside an isolated
// process, running before/after hooks at the right nesting level,
// enforcing per-test deadlines, and serializing results back to the
// dispatcher.
package worker

import (
	"context"
	"fmt"
	"time"

	"code.cloudfoundry.org/clock"

	"github.com/paratest-core/paratest/errors"
	"github.com/paratest-core/paratest/internal/fixture"
	"github.com/paratest-core/paratest/internal/protocol"
	"github.com/paratest-core/paratest/internal/testmodel"
)

// SuiteLoader loads (or rebuilds) the Suite tree for one file. Discovering
// and parsing test files is handled elsewhere; the worker consumes the
// result through this seam.
type SuiteLoader func(file string) (*testmodel.Suite, error)

// FixtureLoader registers fixtures declared by the given files into reg.
type FixtureLoader func(reg *fixture.Registry, files []string) error

// Runner is one worker process's execution engine. It owns the
// worker-scoped fixture pool for its entire lifetime and a cache of
// loaded Suites across the jobs it receives.
type Runner struct {
	WorkerIndex     int
	RepeatEachIndex int
	Variation       map[string]interface{}

	SuiteLoader   SuiteLoader
	FixtureLoader FixtureLoader

	Clock clock.Clock

	registry *fixture.Registry
	root     *fixture.Pool

	suites      map[string]*testmodel.Suite
	beforeAllOK map[*testmodel.Suite]bool // suites whose beforeAll ran successfully
	poisoned    map[*testmodel.Suite]error
}

// Init registers fixtures, builds the worker-scoped root pool, and sets
// up every worker-scope auto fixture (exactly once, before the first
// job). Must be called once before RunJob.
func (r *Runner) Init(ctx context.Context, fixtureFiles []string) error {
	if r.Clock == nil {
		r.Clock = clock.NewClock()
	}
	r.registry = fixture.NewRegistry()
	if r.FixtureLoader != nil {
		if err := r.FixtureLoader(r.registry, fixtureFiles); err != nil {
			return errors.WrapKind(errors.KindFatalError, err, "loading fixture files")
		}
	}
	if err := r.registry.Finalize(); err != nil {
		return err
	}
	r.root = fixture.NewRootPool(r.registry)
	if err := r.root.SetupAutoFixtures(ctx); err != nil {
		return errors.WrapKind(errors.KindFatalError, err, "setting up worker-scope auto fixtures")
	}
	r.suites = map[string]*testmodel.Suite{}
	r.beforeAllOK = map[*testmodel.Suite]bool{}
	r.poisoned = map[*testmodel.Suite]error{}
	return nil
}

func (r *Runner) loadSuite(file string) (*testmodel.Suite, error) {
	if s, ok := r.suites[file]; ok {
		return s, nil
	}
	s, err := r.SuiteLoader(file)
	if err != nil {
		return nil, errors.Wrapf(err, "loading suite for %q", file)
	}
	r.suites[file] = s
	return s, nil
}

// specByOrdinal finds the Spec in suite whose OrdinalInFile matches.
func specByOrdinal(suite *testmodel.Suite, ordinal int) *testmodel.Spec {
	for _, s := range suite.Specs() {
		if s.OrdinalInFile == ordinal {
			return s
		}
	}
	return nil
}

// ancestors returns spec's ancestor Suites, outermost (root) first.
func ancestors(spec *testmodel.Spec) []*testmodel.Suite {
	var chain []*testmodel.Suite
	for p := spec.Parent; p != nil; p = p.Parent {
		chain = append(chain, p)
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

// suiteDepth counts a Suite's ancestors (0 for a root Suite).
func suiteDepth(s *testmodel.Suite) int {
	n := 0
	for p := s.Parent; p != nil; p = p.Parent {
		n++
	}
	return n
}

// RunJob executes every entry of job in file order, emitting events
// through emit, stopping early (and returning the Done info) on the
// first unexpected-status result.
func (r *Runner) RunJob(ctx context.Context, job protocol.JobPayload, emit func(*protocol.Envelope)) protocol.Done {
	suite, err := r.loadSuite(job.File)
	if err != nil {
		werr := toWireError(err)
		return protocol.Done{FatalError: werr, Remaining: job.Entries}
	}

	for i, entry := range job.Entries {
		parsed, err := testmodel.ParseID(entry.TestID)
		if err != nil {
			return protocol.Done{FatalError: toWireError(err), Remaining: job.Entries[i:]}
		}
		spec := specByOrdinal(suite, parsed.SpecOrdinal)
		if spec == nil {
			return protocol.Done{FatalError: toWireError(errors.Errorf("no spec with ordinal %d in %q", parsed.SpecOrdinal, job.File)), Remaining: job.Entries[i:]}
		}

		emit(&protocol.Envelope{TestBegin: &protocol.TestBegin{TestID: entry.TestID, WorkerIndex: r.WorkerIndex}})

		if entry.Skipped {
			emit(&protocol.Envelope{TestEnd: &protocol.TestEnd{TestID: entry.TestID, Status: testmodel.StatusSkipped}})
			continue
		}

		result, stdout, stderr := r.runOne(ctx, spec, entry)
		if len(stdout) > 0 {
			emit(&protocol.Envelope{StdOut: &protocol.StdChunk{TestID: entry.TestID, Buffer: stdout}})
		}
		if len(stderr) > 0 {
			emit(&protocol.Envelope{StdErr: &protocol.StdChunk{TestID: entry.TestID, Buffer: stderr}})
		}
		emit(&protocol.Envelope{TestEnd: &protocol.TestEnd{
			TestID:   entry.TestID,
			Duration: result.Duration,
			Status:   result.Status,
			Error:    toWireError(result.Error),
			Data:     result.Data,
		}})

		if result.Status != entry.ExpectedStatus {
			return protocol.Done{FailedTestID: entry.TestID, Remaining: job.Entries[i+1:]}
		}
	}
	return protocol.Done{}
}

func toWireError(err error) *protocol.WireError {
	if err == nil {
		return nil
	}
	// *errors.E implements fmt.Formatter for "%+v", rendering the full
	// cause chain with stack traces; plain errors just format as Error().
	return &protocol.WireError{Message: err.Error(), Stack: fmt.Sprintf("%+v", err)}
}

// runOne runs beforeAll (first touch), beforeEach/body/afterEach under a
// single deadline, then test-scoped teardown under a fresh deadline. It
// returns the result plus anything the test body wrote to its Stdout/Stderr
// buffers, for the caller to forward as StdChunk messages.
func (r *Runner) runOne(ctx context.Context, spec *testmodel.Spec, entry protocol.TestEntry) (*testmodel.TestResult, []byte, []byte) {
	result := &testmodel.TestResult{Status: testmodel.StatusPassed}

	chain := ancestors(spec)
	for _, suite := range chain {
		if err, poisoned := r.poisoned[suite]; poisoned {
			result.Status = testmodel.StatusFailed
			result.Error = err
			return finish(result, 0), nil, nil
		}
		if r.beforeAllOK[suite] {
			continue
		}
		if err := runHooks(ctx, suite.Hooks, testmodel.HookBeforeAll, NewContext(ctx, nil)); err != nil {
			herr := errors.WrapKind(errors.KindHookFailure, err, "beforeAll failed for %q", suite.FullTitle())
			r.poisoned[suite] = herr
			result.Status = testmodel.StatusFailed
			result.Error = herr
			return finish(result, 0), nil, nil
		}
		r.beforeAllOK[suite] = true
	}

	// TestEntry carries no parameter tuple of its own: worker-hash
	// affinity guarantees every test this worker receives shares the same
	// generator parameters, fixed once as r.Variation at worker start.
	testPool := r.root.NewTestPool(r.Variation)

	deadline := entry.Timeout
	start := r.Clock.Now()
	status, testErr, data, stdout, stderr := r.runBody(ctx, spec, testPool, deadline)
	result.Status = status
	result.Error = testErr
	result.Data = data

	// Teardown gets a fresh full timeout budget regardless of how the
	// body's deadline played out.
	tdCtx, cancel := r.withDeadline(ctx, deadline)
	tdErr := testPool.TeardownScope(tdCtx)
	timedOut := tdCtx.Err() == context.DeadlineExceeded
	cancel()
	if tdErr != nil && result.Error == nil {
		result.Error = tdErr
		if result.Status == testmodel.StatusPassed {
			if timedOut {
				result.Status = testmodel.StatusTimedOut
			} else {
				result.Status = testmodel.StatusFailed
			}
		}
	}

	return finish(result, r.Clock.Now().Sub(start)), stdout, stderr
}

func finish(r *testmodel.TestResult, d time.Duration) *testmodel.TestResult {
	r.Duration = d
	return r
}

func (r *Runner) withDeadline(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	deadline := r.Clock.Now().Add(d)
	return context.WithDeadline(ctx, deadline)
}

// runBody runs beforeEach (outer->inner), the test body, then afterEach
// (inner->outer), all racing a single deadline. The first error wins;
// later (afterEach) errors do not overwrite it, but afterEach still runs
// in full regardless of an earlier failure.
func (r *Runner) runBody(ctx context.Context, spec *testmodel.Spec, pool *fixture.Pool, timeout time.Duration) (testmodel.Status, error, map[string]interface{}, []byte, []byte) {
	bodyCtx, cancel := r.withDeadline(ctx, timeout)
	defer cancel()

	ec := NewContext(bodyCtx, nil)
	doneCh := make(chan error, 1)

	go func() {
		doneCh <- pool.ResolveAndRun(bodyCtx, spec.Deps, func(innerCtx context.Context, resolved map[string]interface{}) error {
			ec.resolved = resolved
			ec.ctx = innerCtx

			chain := ancestors(spec)
			var first error
			for _, suite := range chain {
				if err := runHooks(innerCtx, suite.Hooks, testmodel.HookBeforeEach, ec); err != nil && first == nil {
					first = errors.WrapKind(errors.KindHookFailure, err, "beforeEach failed")
				}
			}
			if first == nil {
				if err := spec.Fn(ec); err != nil && first == nil {
					first = errors.WrapKind(errors.KindTestAssertion, err, "test body failed")
				}
			}
			for i := len(chain) - 1; i >= 0; i-- {
				if err := runHooks(innerCtx, chain[i].Hooks, testmodel.HookAfterEach, ec); err != nil && first == nil {
					first = errors.WrapKind(errors.KindHookFailure, err, "afterEach failed")
				}
			}
			return first
		})
	}()

	select {
	case err := <-doneCh:
		// The goroutine has returned, so ec's buffers are no longer being
		// written; safe to read here.
		out, errOut := ec.Stdout().Bytes(), ec.Stderr().Bytes()
		if err != nil {
			return testmodel.StatusFailed, err, ec.Data(), out, errOut
		}
		return testmodel.StatusPassed, nil, ec.Data(), out, errOut
	case <-bodyCtx.Done():
		// Deadline fired (or the parent ctx was canceled). Still wait
		// for the cooperative unit to observe cancellation and return,
		// respecting the teardown/grace window equal to the original
		// timeout, consistent with the worker's single cooperative
		// scheduler model (no hard kill of a goroutine is possible).
		grace := timeout
		if grace <= 0 {
			grace = 30 * time.Second
		}
		select {
		case err := <-doneCh:
			out, errOut := ec.Stdout().Bytes(), ec.Stderr().Bytes()
			if ctx.Err() != nil {
				return testmodel.StatusTimedOut, err, ec.Data(), out, errOut
			}
			if err != nil {
				return testmodel.StatusFailed, err, ec.Data(), out, errOut
			}
			return testmodel.StatusTimedOut, nil, ec.Data(), out, errOut
		case <-r.Clock.After(grace):
			// The body goroutine is abandoned, possibly still running and
			// still writing to ec's buffers: reading them here would race,
			// so report no captured output for this attempt.
			return testmodel.StatusTimedOut, errors.NewKind(errors.KindTimeout, "test body did not return within the grace window"), ec.Data(), nil, nil
		}
	}
}

func runHooks(ctx context.Context, hooks []*testmodel.Hook, typ testmodel.HookType, hc testmodel.HookContext) error {
	for _, h := range hooks {
		if h.Type != typ {
			continue
		}
		if err := h.Fn(hc); err != nil {
			return err
		}
	}
	return nil
}

// Shutdown runs afterAll hooks (reverse nesting order) for every suite
// whose beforeAll ran, then tears down worker-scoped fixtures. Both
// stages report failures via onErr without mutating any TestResult: an
// afterAll failure is surfaced, not retroactively attached to already
// reported results (see DESIGN.md).
func (r *Runner) Shutdown(ctx context.Context, onErr func(error)) {
	var ran []*testmodel.Suite
	for s, ok := range r.beforeAllOK {
		if ok {
			ran = append(ran, s)
		}
	}
	// Deepest-nested first: the reverse of the descending, outer-to-inner
	// order beforeAll ran in.
	for i := 0; i < len(ran); i++ {
		for j := i + 1; j < len(ran); j++ {
			if suiteDepth(ran[j]) > suiteDepth(ran[i]) {
				ran[i], ran[j] = ran[j], ran[i]
			}
		}
	}
	hc := NewContext(ctx, nil)
	for _, suite := range ran {
		if err := runHooks(ctx, suite.Hooks, testmodel.HookAfterAll, hc); err != nil {
			onErr(errors.WrapKind(errors.KindHookFailure, err, "afterAll failed for %q", suite.FullTitle()))
		}
	}
	if err := r.root.TeardownScope(ctx); err != nil {
		onErr(errors.WrapKind(errors.KindTeardownError, err, "worker-scope teardown failed"))
	}
}
