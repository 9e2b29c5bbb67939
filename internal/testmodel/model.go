// Package testmodel defines the entities produced by loading test files
// and expanded by the generator: Suite, Spec, Test and TestResult, plus
// the focus/skip/annotation modifier chain that the generator applies to
// compute each Test's effective state.
package testmodel

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/exp/slices"
)

// Status is a Test or TestResult outcome.
type Status int

const (
	StatusScheduled Status = iota
	StatusRunning
	StatusPassed
	StatusFailed
	StatusTimedOut
	StatusSkipped
)

func (s Status) String() string {
	switch s {
	case StatusScheduled:
		return "scheduled"
	case StatusRunning:
		return "running"
	case StatusPassed:
		return "passed"
	case StatusFailed:
		return "failed"
	case StatusTimedOut:
		return "timedOut"
	case StatusSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// HookType distinguishes the four nesting-aware hook kinds.
type HookType int

const (
	HookBeforeAll HookType = iota
	HookAfterAll
	HookBeforeEach
	HookAfterEach
)

// HookFunc is a before/after hook body. Its only argument is the
// worker-supplied HookContext (resolved fixture values and the
// deadline-carrying context); no Test is passed to *All or *Each hooks.
type HookFunc func(ctx HookContext) error

// HookContext is the minimal surface a hook body needs; it is
// implemented by the worker package so testmodel stays free of
// execution-engine concerns.
type HookContext interface {
	Context() interface{}
}

// Hook is one before/after routine registered on a Suite.
type Hook struct {
	Type     HookType
	Fn       HookFunc
	Location string
}

// EntityState is the mutable result of applying a modifier chain: it
// starts at the defaults and is narrowed by each Modifier in order.
type EntityState struct {
	Skipped        bool
	SkipReason     string
	ExpectedStatus Status
	Timeout        time.Duration
	Annotations    map[string]string
}

// NewEntityState returns the default state: not skipped, expected to
// pass, no explicit timeout (0 = inherit), no annotations.
func NewEntityState() *EntityState {
	return &EntityState{ExpectedStatus: StatusPassed, Annotations: map[string]string{}}
}

// Modifier narrows an EntityState, e.g. implementing .skip(), .fixme(),
// or .setTimeout(d). Modifiers are plain functions (no signature
// introspection) so they compose without reflection.
type Modifier func(*EntityState)

// Skip marks the entity and its descendants skipped.
func Skip(reason string) Modifier {
	return func(s *EntityState) {
		s.Skipped = true
		s.SkipReason = reason
	}
}

// ExpectFail marks the entity as expected to fail (used for known-broken
// tests tracked rather than hidden).
func ExpectFail() Modifier {
	return func(s *EntityState) { s.ExpectedStatus = StatusFailed }
}

// SetTimeout overrides the per-test deadline.
func SetTimeout(d time.Duration) Modifier {
	return func(s *EntityState) { s.Timeout = d }
}

// Annotate attaches a free-form annotation.
func Annotate(key, value string) Modifier {
	return func(s *EntityState) {
		if s.Annotations == nil {
			s.Annotations = map[string]string{}
		}
		s.Annotations[key] = value
	}
}

// Entry is either a *Suite or a *Spec inside a parent Suite's Entries.
type Entry interface {
	isEntry()
}

// Suite is a tree node: a file is one root Suite; nested Suites model
// describe-style grouping.
type Suite struct {
	Title     string
	File      string
	Line      int
	Column    int
	Entries   []Entry
	Hooks     []*Hook
	Modifiers []Modifier
	OnlyFlag  bool
	Parent    *Suite
}

func (*Suite) isEntry() {}

// AddSuite appends and parents a child Suite.
func (s *Suite) AddSuite(child *Suite) {
	child.Parent = s
	s.Entries = append(s.Entries, child)
}

// AddSpec appends and parents a Spec.
func (s *Suite) AddSpec(spec *Spec) {
	spec.Parent = s
	s.Entries = append(s.Entries, spec)
}

// HasOnly reports whether s or any descendant has OnlyFlag set.
func (s *Suite) HasOnly() bool {
	if s.OnlyFlag {
		return true
	}
	for _, e := range s.Entries {
		switch v := e.(type) {
		case *Suite:
			if v.HasOnly() {
				return true
			}
		case *Spec:
			if v.OnlyFlag {
				return true
			}
		}
	}
	return false
}

// Specs returns every Spec in file order (depth-first).
func (s *Suite) Specs() []*Spec {
	var out []*Spec
	for _, e := range s.Entries {
		switch v := e.(type) {
		case *Suite:
			out = append(out, v.Specs()...)
		case *Spec:
			out = append(out, v)
		}
	}
	return out
}

// FullTitle joins a Suite's ancestor chain with " > ".
func (s *Suite) FullTitle() string {
	if s.Parent == nil {
		return s.Title
	}
	parent := s.Parent.FullTitle()
	if parent == "" {
		return s.Title
	}
	return parent + " > " + s.Title
}

// TestFunc is a test body. Like hooks it receives an opaque HookContext;
// the worker package supplies the concrete implementation.
type TestFunc func(ctx HookContext) error

// Spec is a declared test callsite, independent of parameters.
type Spec struct {
	Title         string
	File          string
	Line          int
	Fn            TestFunc
	Parent        *Suite
	OrdinalInFile int
	OnlyFlag      bool
	Modifiers     []Modifier
	// Deps lists the fixture names this spec's body depends on. Declared
	// explicitly (not parsed from a function signature) per the
	// DI-by-declaration redesign.
	Deps []string
}

func (*Spec) isEntry() {}

// FullTitle is the Spec's parent chain joined with its own title.
func (s *Spec) FullTitle() string {
	if s.Parent == nil {
		return s.Title
	}
	parent := s.Parent.FullTitle()
	if parent == "" {
		return s.Title
	}
	return parent + " > " + s.Title
}

// State walks from s up through its ancestor Suites, applying modifiers
// outermost-first (root Suite, ..., immediate parent) and the Spec's own
// modifiers last, so an inner modifier always overrides an outer one.
func (s *Spec) State() *EntityState {
	var chain []*Suite
	for p := s.Parent; p != nil; p = p.Parent {
		chain = append(chain, p)
	}
	state := NewEntityState()
	for i := len(chain) - 1; i >= 0; i-- {
		for _, m := range chain[i].Modifiers {
			m(state)
		}
	}
	for _, m := range s.Modifiers {
		m(state)
	}
	return state
}

// Test is one materialization of a Spec under a specific parameter tuple
// and repeat index.
type Test struct {
	Spec            *Spec
	Parameters      map[string]interface{}
	RepeatEachIndex int
	ExpectedStatus  Status
	Timeout         time.Duration
	Skipped         bool
	SkipReason      string
	Annotations     map[string]string
	WorkerHash      string
	ID              string
	Ordinal         int
	Results         []*TestResult
}

// FullTitle is the Spec's full title (parameters do not change title
// text; they are reported out-of-band).
func (t *Test) FullTitle() string { return t.Spec.FullTitle() }

// AppendResult records a new attempt, setting Retry to the number of
// prior results so results stay numbered densely from zero.
func (t *Test) AppendResult(r *TestResult) {
	r.Retry = len(t.Results)
	t.Results = append(t.Results, r)
}

// TestResult is one attempt's outcome.
type TestResult struct {
	Retry       int
	WorkerIndex int
	Duration    time.Duration
	Status      Status
	Error       error
	Stdout      [][]byte
	Stderr      [][]byte
	Data        map[string]interface{}
}

// HashParams folds a generator-parameter tuple into a short, sorted,
// order-independent fingerprint, so two tuples with the same keys and
// values hash identically regardless of Go's random map iteration order.
func HashParams(params map[string]interface{}) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%v|", k, params[k])
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])[:12]
}

// MakeID computes the stable, retry-independent test identifier. params
// is the resolved generator-parameter tuple for this Test: two Tests of
// the same Spec and repeatEachIndex but different tuples must not share
// an ID, since dispatcher.tests is keyed by it.
func MakeID(specOrdinal int, file string, projectIndex, repeatEachIndex int, params map[string]interface{}) string {
	return fmt.Sprintf("%d@%s#run%d-repeat%d-params%s", specOrdinal, file, projectIndex, repeatEachIndex, HashParams(params))
}

var idPattern = regexp.MustCompile(`^(\d+)@(.+)#run(\d+)-repeat(\d+)-params([0-9a-f]+)$`)

// ParsedID is the decomposition of a Test.ID produced by MakeID.
type ParsedID struct {
	SpecOrdinal     int
	File            string
	ProjectIndex    int
	RepeatEachIndex int
	ParamsHash      string
}

// ParseID decomposes a Test.ID into the fields MakeID encoded.
func ParseID(id string) (ParsedID, error) {
	m := idPattern.FindStringSubmatch(id)
	if m == nil {
		return ParsedID{}, fmt.Errorf("malformed test id %q", id)
	}
	ordinal, _ := strconv.Atoi(m[1])
	project, _ := strconv.Atoi(m[3])
	repeat, _ := strconv.Atoi(m[4])
	return ParsedID{SpecOrdinal: ordinal, File: m[2], ProjectIndex: project, RepeatEachIndex: repeat, ParamsHash: m[5]}, nil
}
