// Package generator implements the test generator and sharder:
// parameter-matrix expansion, repeatEach duplication, grep/focus
// filtering, worker-hash computation, and shard slicing.
package generator

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/exp/slices"

	"github.com/paratest-core/paratest/errors"
	"github.com/paratest-core/paratest/internal/fixture"
	"github.com/paratest-core/paratest/internal/protocol"
	"github.com/paratest-core/paratest/internal/testmodel"
)

// Config holds the generator-relevant subset of the run configuration.
type Config struct {
	Grep         *regexp.Regexp
	RepeatEach   int // >= 1
	ForbidOnly   bool
	ProjectIndex int
	Shard        Shard
}

// Shard selects a 0-based slice of the generated JobPayloads.
type Shard struct {
	Current int
	Total   int // 0 or 1 means "no sharding"
}

// Matrix maps a generator-parameter fixture name to its possible values.
type Matrix map[string][]interface{}

// Result is everything Generate produces.
type Result struct {
	Tests []*testmodel.Test
	Jobs  []protocol.JobPayload
}

// Generate expands files against matrix and cfg, producing the ordered
// Test list and the sharded JobPayloads ready for the dispatcher.
func Generate(files []*testmodel.Suite, registry *fixture.Registry, matrix Matrix, cfg Config) (*Result, error) {
	if cfg.RepeatEach < 1 {
		cfg.RepeatEach = 1
	}

	var allSpecs []*testmodel.Spec
	for _, f := range files {
		allSpecs = append(allSpecs, f.Specs()...)
	}

	anyOnly := false
	for _, f := range files {
		if f.HasOnly() {
			anyOnly = true
			break
		}
	}
	if anyOnly && cfg.ForbidOnly {
		return nil, errors.NewKind(errors.KindFatalError, "ForbidOnlyViolated: the run restricts to only-focused tests but --forbid-only is set")
	}

	var selected []*testmodel.Spec
	for _, spec := range allSpecs {
		if cfg.Grep != nil && !cfg.Grep.MatchString(spec.FullTitle()) {
			continue
		}
		if anyOnly && !inFocus(spec) {
			continue
		}
		selected = append(selected, spec)
	}

	var tests []*testmodel.Test
	for _, spec := range selected {
		params := registry.ReachableGeneratorParams(spec.Deps)
		workerFixtures := registry.ReachableWorkerFixtures(spec.Deps)
		envHash := hashStrings(workerFixtures)

		tuples := cartesian(matrix, params)
		state := spec.State()

		for _, tuple := range tuples {
			for i := 0; i < cfg.RepeatEach; i++ {
				parameters := make(map[string]interface{}, len(tuple)+1)
				for k, v := range tuple {
					parameters[k] = v
				}
				t := &testmodel.Test{
					Spec:            spec,
					Parameters:      parameters,
					RepeatEachIndex: i,
					ExpectedStatus:  state.ExpectedStatus,
					Timeout:         state.Timeout,
					Skipped:         state.Skipped,
					SkipReason:      state.SkipReason,
					Annotations:     cloneAnnotations(state.Annotations),
				}
				t.WorkerHash = computeWorkerHash(cfg.ProjectIndex, tuple, i, envHash)
				t.ID = testmodel.MakeID(spec.OrdinalInFile, spec.File, cfg.ProjectIndex, i, tuple)
				tests = append(tests, t)
			}
		}
	}

	// Ordinal assignment: tests are renumbered post-filtering to yield
	// stable display order; IDs (already assigned above) survive re-queue.
	for i, t := range tests {
		t.Ordinal = i
	}

	jobs := shard(group(tests), cfg.Shard)
	return &Result{Tests: tests, Jobs: jobs}, nil
}

// inFocus reports whether spec or any ancestor Suite carries OnlyFlag.
func inFocus(spec *testmodel.Spec) bool {
	if spec.OnlyFlag {
		return true
	}
	for p := spec.Parent; p != nil; p = p.Parent {
		if p.OnlyFlag {
			return true
		}
	}
	return false
}

func cloneAnnotations(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// cartesian forms the Cartesian product of matrix values for the given
// parameter names, each result being a name -> value map. An empty
// params list yields a single empty tuple.
func cartesian(matrix Matrix, params []string) []map[string]interface{} {
	if len(params) == 0 {
		return []map[string]interface{}{{}}
	}
	result := []map[string]interface{}{{}}
	for _, p := range params {
		values := matrix[p]
		if len(values) == 0 {
			values = []interface{}{nil}
		}
		var next []map[string]interface{}
		for _, existing := range result {
			for _, v := range values {
				tuple := make(map[string]interface{}, len(existing)+1)
				for k, vv := range existing {
					tuple[k] = vv
				}
				tuple[p] = v
				next = append(next, tuple)
			}
		}
		result = next
	}
	return result
}

func hashStrings(ss []string) string {
	sum := sha256.Sum256([]byte(strings.Join(ss, "|")))
	return hex.EncodeToString(sum[:])
}

// computeWorkerHash derives the affinity hash that pins a test to a
// worker variation:
//
//	workerHash = H(projectIndex ‖ sortedParameters ‖ i ‖ envHash)
func computeWorkerHash(projectIndex int, params map[string]interface{}, repeatEachIndex int, envHash string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "%d|", projectIndex)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%v|", k, params[k])
	}
	fmt.Fprintf(&b, "%d|%s", repeatEachIndex, envHash)

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])[:16]
}

// group partitions tests by (file, workerHash) into JobPayloads, sorted
// by (workerHash, file) for determinism. Ordering ties between two
// equal-hash jobs by file path, which is stable across runs as long as
// file discovery order is stable (see DESIGN.md).
func group(tests []*testmodel.Test) []protocol.JobPayload {
	type key struct {
		file string
		hash string
	}
	byKey := map[key]*protocol.JobPayload{}
	var order []key
	for _, t := range tests {
		k := key{file: t.Spec.File, hash: t.WorkerHash}
		job, ok := byKey[k]
		if !ok {
			job = &protocol.JobPayload{File: k.file, WorkerHash: k.hash, Variation: t.Parameters}
			byKey[k] = job
			order = append(order, k)
		}
		job.Entries = append(job.Entries, protocol.TestEntry{
			TestID:         t.ID,
			Retry:          0,
			Timeout:        t.Timeout,
			ExpectedStatus: t.ExpectedStatus,
			Skipped:        t.Skipped,
		})
	}
	sort.Slice(order, func(i, j int) bool {
		if order[i].hash != order[j].hash {
			return order[i].hash < order[j].hash
		}
		return order[i].file < order[j].file
	})
	jobs := make([]protocol.JobPayload, 0, len(order))
	for _, k := range order {
		jobs = append(jobs, *byKey[k])
	}
	return jobs
}

// shard slices jobs (the atomic shard unit; a job is never split across
// shards) into the [from, to) range for the given Shard selection.
func shard(jobs []protocol.JobPayload, s Shard) []protocol.JobPayload {
	if s.Total <= 1 {
		return jobs
	}
	total := protocol.TotalTests(jobs)
	size := (total + s.Total - 1) / s.Total
	from := size * s.Current
	to := from + size

	var out []protocol.JobPayload
	cum := 0
	for _, job := range jobs {
		if cum >= from && cum < to {
			out = append(out, job)
		}
		cum += len(job.Entries)
	}
	return out
}
