package fixture

import (
	"context"
	"testing"
)

func newFinalizedRegistry(t *testing.T, regs ...*Registration) *Registry {
	t.Helper()
	reg := NewRegistry()
	for _, r := range regs {
		if err := reg.Register(r); err != nil {
			t.Fatalf("Register(%q): %v", r.Name, err)
		}
	}
	if err := reg.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	return reg
}

func TestSetupFixtureResolvesDependencyChain(t *testing.T) {
	var torn []string
	reg := newFinalizedRegistry(t,
		&Registration{Name: "db", Scope: ScopeWorker, Producer: func(ctx context.Context, deps map[string]interface{}, yield YieldFunc) error {
			err := yield("connection")
			torn = append(torn, "db")
			return err
		}},
		&Registration{Name: "repo", Scope: ScopeTest, Deps: []string{"db"}, Producer: func(ctx context.Context, deps map[string]interface{}, yield YieldFunc) error {
			if deps["db"] != "connection" {
				t.Fatalf("repo saw db=%v, want 'connection'", deps["db"])
			}
			err := yield("repo-" + deps["db"].(string))
			torn = append(torn, "repo")
			return err
		}},
	)

	root := NewRootPool(reg)
	testPool := root.NewTestPool(nil)

	fx, err := testPool.SetupFixture(context.Background(), "repo")
	if err != nil {
		t.Fatalf("SetupFixture: %v", err)
	}
	if fx.Value() != "repo-connection" {
		t.Fatalf("Value() = %v, want %q", fx.Value(), "repo-connection")
	}

	if err := testPool.TeardownScope(context.Background()); err != nil {
		t.Fatalf("TeardownScope(test): %v", err)
	}
	if len(torn) != 1 || torn[0] != "repo" {
		t.Fatalf("test-scope teardown = %v, want only [repo] (db is worker-scoped)", torn)
	}

	if err := root.TeardownScope(context.Background()); err != nil {
		t.Fatalf("TeardownScope(root): %v", err)
	}
	if len(torn) != 2 || torn[1] != "db" {
		t.Fatalf("after root teardown = %v, want [repo db]", torn)
	}
}

func TestSetupFixtureUsesGeneratorValue(t *testing.T) {
	reg := newFinalizedRegistry(t, &Registration{Name: "browser", Scope: ScopeWorker, GeneratorValued: true})

	root := NewRootPool(reg)
	testPool := root.NewTestPool(map[string]interface{}{"browser": "chrome"})

	fx, err := testPool.SetupFixture(context.Background(), "browser")
	if err != nil {
		t.Fatalf("SetupFixture: %v", err)
	}
	if fx.Value() != "chrome" {
		t.Fatalf("Value() = %v, want %q", fx.Value(), "chrome")
	}
}

func TestSetupFixtureMissingGeneratorValueFails(t *testing.T) {
	reg := newFinalizedRegistry(t, &Registration{Name: "browser", Scope: ScopeWorker, GeneratorValued: true})

	root := NewRootPool(reg)
	testPool := root.NewTestPool(nil)

	if _, err := testPool.SetupFixture(context.Background(), "browser"); err == nil {
		t.Fatal("SetupFixture with no parameter value = nil error, want failure")
	}
}

func TestResolveAndRunSetsUpAutoFixtures(t *testing.T) {
	var setupCount int
	reg := newFinalizedRegistry(t, &Registration{
		Name: "telemetry", Scope: ScopeTest, Auto: true,
		Producer: func(ctx context.Context, deps map[string]interface{}, yield YieldFunc) error {
			setupCount++
			return yield(nil)
		},
	})

	root := NewRootPool(reg)
	testPool := root.NewTestPool(nil)

	ran := false
	err := testPool.ResolveAndRun(context.Background(), nil, func(ctx context.Context, resolved map[string]interface{}) error {
		ran = true
		return nil
	})
	if err != nil {
		t.Fatalf("ResolveAndRun: %v", err)
	}
	if !ran {
		t.Fatal("fn was not invoked")
	}
	if setupCount != 1 {
		t.Fatalf("auto fixture setup count = %d, want 1", setupCount)
	}
}

func TestYieldTwiceFails(t *testing.T) {
	reg := newFinalizedRegistry(t, &Registration{Name: "bad", Scope: ScopeTest, Producer: func(ctx context.Context, deps map[string]interface{}, yield YieldFunc) error {
		if err := yield("first"); err != nil {
			return err
		}
		return yield("second")
	}})

	root := NewRootPool(reg)
	testPool := root.NewTestPool(nil)
	if _, err := testPool.SetupFixture(context.Background(), "bad"); err != nil {
		t.Fatalf("SetupFixture: %v", err)
	}
	if err := testPool.TeardownScope(context.Background()); err == nil {
		t.Fatal("TeardownScope after double yield = nil error, want failure")
	}
}
