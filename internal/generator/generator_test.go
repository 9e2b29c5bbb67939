package generator

import (
	"regexp"
	"testing"

	"github.com/paratest-core/paratest/internal/fixture"
	"github.com/paratest-core/paratest/internal/testmodel"
)

func newSpec(file, title string, ordinal int, deps ...string) *testmodel.Spec {
	suite := &testmodel.Suite{Title: "suite", File: file}
	spec := &testmodel.Spec{Title: title, File: file, OrdinalInFile: ordinal, Deps: deps, Fn: func(testmodel.HookContext) error { return nil }}
	suite.AddSpec(spec)
	return spec
}

func suiteOf(spec *testmodel.Spec) *testmodel.Suite { return spec.Parent }

func TestGenerateExpandsMatrixAsCartesianProduct(t *testing.T) {
	reg := fixture.NewRegistry()
	if err := reg.Register(&fixture.Registration{Name: "browser", Scope: fixture.ScopeWorker, GeneratorValued: true}); err != nil {
		t.Fatal(err)
	}
	if err := reg.Finalize(); err != nil {
		t.Fatal(err)
	}

	spec := newSpec("a_test.go", "does a thing", 0, "browser")
	files := []*testmodel.Suite{suiteOf(spec)}

	result, err := Generate(files, reg, Matrix{"browser": {"chrome", "firefox"}}, Config{RepeatEach: 1})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(result.Tests) != 2 {
		t.Fatalf("len(Tests) = %d, want 2 (one per browser value)", len(result.Tests))
	}
	if result.Tests[0].WorkerHash == result.Tests[1].WorkerHash {
		t.Fatal("tests with different parameter values got the same worker hash")
	}
}

func TestGenerateRepeatEachDuplicatesWithDistinctIDs(t *testing.T) {
	reg := fixture.NewRegistry()
	if err := reg.Finalize(); err != nil {
		t.Fatal(err)
	}
	spec := newSpec("a_test.go", "flaky", 0)
	files := []*testmodel.Suite{suiteOf(spec)}

	result, err := Generate(files, reg, nil, Config{RepeatEach: 3})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(result.Tests) != 3 {
		t.Fatalf("len(Tests) = %d, want 3", len(result.Tests))
	}
	seen := map[string]bool{}
	for _, test := range result.Tests {
		if seen[test.ID] {
			t.Fatalf("duplicate test ID %q across repeatEach", test.ID)
		}
		seen[test.ID] = true
	}
}

func TestGenerateGrepFiltersByFullTitle(t *testing.T) {
	reg := fixture.NewRegistry()
	if err := reg.Finalize(); err != nil {
		t.Fatal(err)
	}
	a := newSpec("a_test.go", "login works", 0)
	b := newSpec("b_test.go", "logout works", 0)
	files := []*testmodel.Suite{suiteOf(a), suiteOf(b)}

	result, err := Generate(files, reg, nil, Config{RepeatEach: 1, Grep: regexp.MustCompile("login")})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(result.Tests) != 1 || result.Tests[0].Spec != a {
		t.Fatalf("grep filter selected %v, want only the login spec", result.Tests)
	}
}

func TestGenerateForbidOnlyViolationFails(t *testing.T) {
	reg := fixture.NewRegistry()
	if err := reg.Finalize(); err != nil {
		t.Fatal(err)
	}
	spec := newSpec("a_test.go", "focused", 0)
	spec.OnlyFlag = true
	files := []*testmodel.Suite{suiteOf(spec)}

	if _, err := Generate(files, reg, nil, Config{RepeatEach: 1, ForbidOnly: true}); err == nil {
		t.Fatal("Generate with .only under ForbidOnly = nil error, want failure")
	}
}

func TestGenerateShardsAcrossWorkerHashes(t *testing.T) {
	reg := fixture.NewRegistry()
	if err := reg.Register(&fixture.Registration{Name: "browser", Scope: fixture.ScopeWorker, GeneratorValued: true}); err != nil {
		t.Fatal(err)
	}
	if err := reg.Finalize(); err != nil {
		t.Fatal(err)
	}
	spec := newSpec("a_test.go", "does a thing", 0, "browser")
	files := []*testmodel.Suite{suiteOf(spec)}

	full, err := Generate(files, reg, Matrix{"browser": {"chrome", "firefox", "webkit", "edge"}}, Config{RepeatEach: 1})
	if err != nil {
		t.Fatalf("Generate (unsharded): %v", err)
	}
	totalJobs := len(full.Jobs)
	if totalJobs != 4 {
		t.Fatalf("len(Jobs) = %d, want 4 distinct worker hashes", totalJobs)
	}

	var gathered int
	for shard := 0; shard < 2; shard++ {
		result, err := Generate(files, reg, Matrix{"browser": {"chrome", "firefox", "webkit", "edge"}}, Config{RepeatEach: 1, Shard: Shard{Current: shard, Total: 2}})
		if err != nil {
			t.Fatalf("Generate (shard %d): %v", shard, err)
		}
		for _, job := range result.Jobs {
			gathered += len(job.Entries)
		}
	}
	if gathered != 4 {
		t.Fatalf("entries summed across shards = %d, want 4 (the unsharded total)", gathered)
	}
}
