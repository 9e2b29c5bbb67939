// Package reporter defines the pluggable reporting interface the
// dispatcher drives as a run progresses, plus a Multiplexer that fans
// events out to several reporters and a TextReporter proving the
// interface end-to-end.
package reporter

import (
	"sync"

	"github.com/paratest-core/paratest/internal/config"
	"github.com/paratest-core/paratest/internal/testmodel"
)

// Reporter receives run lifecycle callbacks. onBegin always fires before
// any onTestBegin; onEnd fires exactly once after every onTestEnd.
// Implementations must tolerate interleaved calls across workers: event
// order within one test is preserved, but order across tests is not.
type Reporter interface {
	OnBegin(cfg *config.Config, root *testmodel.Suite)
	OnTestBegin(test *testmodel.Test)
	OnStdOut(chunk []byte, test *testmodel.Test)
	OnStdErr(chunk []byte, test *testmodel.Test)
	OnTestEnd(test *testmodel.Test, result *testmodel.TestResult)
	OnTimeout(ms int64)
	OnError(err error)
	OnEnd()
}

// Multiplexer fans every call out to its reporters in registration
// order. A panicking reporter is recovered and turned into a log,
// rather than aborting the run for every other reporter.
type Multiplexer struct {
	mu        sync.Mutex
	reporters []Reporter
	onPanic   func(reporter int, recovered interface{})
}

// NewMultiplexer creates a Multiplexer fanning out to reporters in order.
// onPanic, if non-nil, is invoked when a reporter callback panics;
// otherwise panics are silently recovered.
func NewMultiplexer(onPanic func(reporter int, recovered interface{}), reporters ...Reporter) *Multiplexer {
	return &Multiplexer{reporters: reporters, onPanic: onPanic}
}

func (m *Multiplexer) dispatch(call func(Reporter)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.reporters {
		m.safeCall(i, r, call)
	}
}

func (m *Multiplexer) safeCall(i int, r Reporter, call func(Reporter)) {
	defer func() {
		if rec := recover(); rec != nil && m.onPanic != nil {
			m.onPanic(i, rec)
		}
	}()
	call(r)
}

func (m *Multiplexer) OnBegin(cfg *config.Config, root *testmodel.Suite) {
	m.dispatch(func(r Reporter) { r.OnBegin(cfg, root) })
}

func (m *Multiplexer) OnTestBegin(test *testmodel.Test) {
	m.dispatch(func(r Reporter) { r.OnTestBegin(test) })
}

func (m *Multiplexer) OnStdOut(chunk []byte, test *testmodel.Test) {
	m.dispatch(func(r Reporter) { r.OnStdOut(chunk, test) })
}

func (m *Multiplexer) OnStdErr(chunk []byte, test *testmodel.Test) {
	m.dispatch(func(r Reporter) { r.OnStdErr(chunk, test) })
}

func (m *Multiplexer) OnTestEnd(test *testmodel.Test, result *testmodel.TestResult) {
	m.dispatch(func(r Reporter) { r.OnTestEnd(test, result) })
}

func (m *Multiplexer) OnTimeout(ms int64) {
	m.dispatch(func(r Reporter) { r.OnTimeout(ms) })
}

func (m *Multiplexer) OnError(err error) {
	m.dispatch(func(r Reporter) { r.OnError(err) })
}

func (m *Multiplexer) OnEnd() {
	m.dispatch(func(r Reporter) { r.OnEnd() })
}

var _ Reporter = (*Multiplexer)(nil)
