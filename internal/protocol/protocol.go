// Package protocol defines the typed, message-framed IPC between the
// dispatcher and its workers. Messages are framed with a 4-byte
// big-endian length prefix followed by a gob-encoded Envelope (see
// DESIGN.md for why gob was chosen over a generated wire codec), letting
// this package stay a plain Go type package with no build step.
package protocol

import (
	"encoding/gob"
	"time"

	"github.com/paratest-core/paratest/internal/testmodel"
)

// gob must know the concrete types that can appear behind the
// interface{} values of JobPayload.Variation and TestResult.Data: a
// generator parameter or a test's returned data can be any of these.
func init() {
	gob.Register(string(""))
	gob.Register(int(0))
	gob.Register(int64(0))
	gob.Register(float64(0))
	gob.Register(bool(false))
	gob.Register([]interface{}(nil))
	gob.Register(map[string]interface{}(nil))
}

// TestEntry is the serializable, per-test record sent to a worker. It is
// a read-only view: no closures or live fixture state cross the process
// boundary.
type TestEntry struct {
	TestID         string
	Retry          int
	Timeout        time.Duration
	ExpectedStatus testmodel.Status
	Skipped        bool
}

// JobPayload is the atomic dispatcher work unit: a file, a worker hash,
// the generator-parameter tuple that hash was computed from, and the
// entries that share them.
type JobPayload struct {
	File       string
	WorkerHash string
	Variation  map[string]interface{}
	Entries    []TestEntry
}

// TotalTests counts the entries across a slice of JobPayloads.
func TotalTests(jobs []JobPayload) int {
	n := 0
	for _, j := range jobs {
		n += len(j.Entries)
	}
	return n
}

// WireError is the wire representation of an error: a message, an
// optional stack trace, and Value, which carries a non-error thrown
// value rendered by the dispatcher.
type WireError struct {
	Message string
	Stack   string
	Value   interface{}
}

// Error implements the error interface so a WireError can be handled
// like any other error after crossing the wire.
func (e *WireError) Error() string { return e.Message }

// Init is sent parent -> child to start a worker.
type Init struct {
	WorkerIndex     int
	FixtureFiles    []string
	Project         string
	RepeatEachIndex int
	Variation       string
	// ConfigJSON is an opaque, JSON-encoded configuration blob. The
	// dispatcher leaves it empty and the worker runner does not read it;
	// per-test timeouts travel on each TestEntry instead.
	ConfigJSON []byte
}

// Run is sent parent -> child to assign one job.
type Run struct {
	Job JobPayload
}

// Stop is sent parent -> child to request graceful shutdown.
type Stop struct{}

// Ready is sent child -> parent once Init has completed.
type Ready struct{}

// TestBegin is sent child -> parent when a test attempt starts.
type TestBegin struct {
	TestID      string
	WorkerIndex int
}

// TestEnd is sent child -> parent when a test attempt finishes.
type TestEnd struct {
	TestID   string
	Duration time.Duration
	Status   testmodel.Status
	Error    *WireError
	Data     map[string]interface{}
}

// StdChunk is sent child -> parent for captured stdout/stderr writes.
// gob handles []byte natively, so Buffer needs no base64 round trip.
type StdChunk struct {
	TestID string
	Text   string
	Buffer []byte
}

// Done is sent child -> parent after a job finishes, is abandoned due to
// an unexpected result, or fails fatally.
type Done struct {
	FailedTestID string
	FatalError   *WireError
	Remaining    []TestEntry
}

// TeardownError is sent child -> parent when worker-scope teardown
// fails during shutdown.
type TeardownError struct {
	Error *WireError
}

// Envelope is the tagged union carried by the length-prefixed frame.
// Exactly one field is non-nil.
type Envelope struct {
	Init          *Init
	Run           *Run
	Stop          *Stop
	Ready         *Ready
	TestBegin     *TestBegin
	TestEnd       *TestEnd
	StdOut        *StdChunk
	StdErr        *StdChunk
	Done          *Done
	TeardownError *TeardownError
}
