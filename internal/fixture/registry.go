// Package fixture implements the two-scope, dependency-injected fixture
// resolution graph: registration, cycle/scope validation, and scoped
// setup/teardown of fixture instances.
//
// Producers are not goroutine-free callbacks: following the source
// idiom's generator-shaped producer (it "yields" a value, then suspends
// until teardown), each producer runs in its own goroutine and
// communicates with the pool over a pair of channels. Go has no
// coroutine keyword, but a goroutine is exactly the lightweight task the
// source's generator needed, so the yield/suspend/teardown protocol maps
// onto it directly instead of being flattened into a generic two-phase
// callback.
package fixture

import (
	"context"

	"golang.org/x/exp/slices"

	"github.com/paratest-core/paratest/errors"
)

// Scope is the lifetime of a fixture instance.
type Scope int

const (
	// ScopeTest fixtures are created fresh for each test and torn down
	// at the end of that test.
	ScopeTest Scope = iota
	// ScopeWorker fixtures are created once per worker process and torn
	// down at worker shutdown.
	ScopeWorker
)

func (s Scope) String() string {
	if s == ScopeWorker {
		return "worker"
	}
	return "test"
}

// YieldFunc is called by a Producer exactly once to deliver the fixture's
// value and block until teardown is requested. A second call fails with
// a KindFixtureDoubleYield error.
type YieldFunc func(value interface{}) error

// Producer is the generator-shaped setup/teardown routine for a fixture.
// It receives the resolved values of its declared dependencies, performs
// setup, calls yield exactly once with the fixture's value, and (once
// yield returns, meaning teardown was requested) performs teardown and
// returns. A non-nil return value before any call to yield is treated as
// a setup failure; a non-nil return value after yield is treated as a
// teardown error.
type Producer func(ctx context.Context, deps map[string]interface{}, yield YieldFunc) error

// Registration describes one fixture as declared by user code.
type Registration struct {
	Name     string
	Scope    Scope
	Deps     []string
	Producer Producer
	// Auto fixtures are set up unconditionally before every test (scope
	// test) or worker (scope worker), whether or not a test names them.
	Auto bool
	// IsOverride must be set to replace a previously registered name of
	// the same scope.
	IsOverride bool
	// GeneratorValued marks a worker-scoped registration whose value
	// comes directly from the parameter matrix rather than a Producer.
	// Such registrations must have no dependencies.
	GeneratorValued bool
	// Location is a human-readable "file:line" used in error messages.
	Location string
}

// Registry is the name -> Registration map for one run, plus graph
// validation. It is built up via Register calls and frozen by Finalize.
type Registry struct {
	regs     map[string]*Registration
	final    bool
	autoTest []*Registration
	autoWrk  []*Registration
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{regs: map[string]*Registration{}}
}

// Register adds r to the registry. Registering a name twice without
// IsOverride fails with KindDuplicateFixture. Overriding a name that was
// never registered fails with KindNoSuchFixture. Overriding a name with
// a different Scope fails with KindScopeMismatch.
func (g *Registry) Register(r *Registration) error {
	if g.final {
		return errors.NewKind(errors.KindFatalError, "cannot register fixture %q after the registry is finalized", r.Name)
	}
	existing, ok := g.regs[r.Name]
	if r.IsOverride {
		if !ok {
			return errors.NewKind(errors.KindNoSuchFixture, "fixture %q overrides a name that was never registered", r.Name)
		}
		if existing.Scope != r.Scope {
			return errors.NewKind(errors.KindScopeMismatch, "fixture %q override changes scope from %v to %v", r.Name, existing.Scope, r.Scope)
		}
	} else if ok {
		return errors.NewKind(errors.KindDuplicateFixture, "fixture %q registered more than once (use IsOverride to replace it)", r.Name)
	}
	if r.GeneratorValued && len(r.Deps) > 0 {
		return errors.NewKind(errors.KindFatalError, "generator-valued fixture %q must not declare dependencies", r.Name)
	}
	cp := *r
	cp.Deps = append([]string(nil), r.Deps...)
	g.regs[r.Name] = &cp
	return nil
}

// Lookup returns the final registration for name, if any.
func (g *Registry) Lookup(name string) (*Registration, bool) {
	r, ok := g.regs[name]
	return r, ok
}

// Auto returns the auto-fixture registrations for the given scope, in a
// stable (name-sorted) order.
func (g *Registry) Auto(scope Scope) []*Registration {
	if scope == ScopeWorker {
		return g.autoWrk
	}
	return g.autoTest
}

// ReachableGeneratorParams returns, sorted and deduplicated, the names of
// every GeneratorValued registration transitively reachable from deps
// via the fixture dependency graph. These are the "generator parameters"
// the test generator expands into a Cartesian product.
func (g *Registry) ReachableGeneratorParams(deps []string) []string {
	return g.reachableWhere(deps, func(r *Registration) bool { return r.GeneratorValued })
}

// ReachableWorkerFixtures returns, sorted and deduplicated, the names of
// every worker-scoped registration transitively reachable from deps. Two
// tests whose reachable worker fixtures and generator-parameter values
// match are compatible with running in the same worker.
func (g *Registry) ReachableWorkerFixtures(deps []string) []string {
	return g.reachableWhere(deps, func(r *Registration) bool { return r.Scope == ScopeWorker })
}

func (g *Registry) reachableWhere(deps []string, pred func(*Registration) bool) []string {
	seen := map[string]bool{}
	var out []string
	var visit func(name string)
	visit = func(name string) {
		if seen[name] {
			return
		}
		seen[name] = true
		r, ok := g.regs[name]
		if !ok {
			return
		}
		if pred(r) {
			out = append(out, name)
		}
		for _, d := range r.Deps {
			visit(d)
		}
	}
	for _, d := range deps {
		visit(d)
	}
	slices.Sort(out)
	return out
}

// Finalize validates the registration graph: presence of every
// dependency, the worker/test scope rule, and acyclicity. It must be
// called once, after all Register calls, before any pool does setup.
func (g *Registry) Finalize() error {
	if g.final {
		return nil
	}
	names := make([]string, 0, len(g.regs))
	for name := range g.regs {
		names = append(names, name)
	}
	slices.Sort(names)

	// Presence.
	for _, name := range names {
		r := g.regs[name]
		for _, d := range r.Deps {
			if _, ok := g.regs[d]; !ok {
				return errors.NewKind(errors.KindNoSuchFixture, "fixture %q depends on unknown fixture %q", name, d)
			}
		}
	}

	// Acyclic: DFS with tri-color marking.
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(g.regs))
	var path []string
	var visit func(name string) error
	visit = func(name string) error {
		switch color[name] {
		case black:
			return nil
		case gray:
			// Found a back-edge; report the cycle starting at name.
			cycle := append([]string(nil), path...)
			cycle = append(cycle, name)
			start := 0
			for i, n := range cycle {
				if n == name && i < len(cycle)-1 {
					start = i
					break
				}
			}
			return errors.NewKind(errors.KindFixtureCycle, "fixture dependency cycle: %v", cycle[start:])
		}
		color[name] = gray
		path = append(path, name)
		for _, d := range g.regs[name].Deps {
			if err := visit(d); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		color[name] = black
		return nil
	}
	for _, name := range names {
		if err := visit(name); err != nil {
			return err
		}
	}

	// Scope rule: no worker-scoped registration may transitively depend
	// on a test-scoped one.
	reaches := make(map[string]bool, len(g.regs))
	var reachesTestScope func(name string, seen map[string]bool) bool
	reachesTestScope = func(name string, seen map[string]bool) bool {
		if seen[name] {
			return false
		}
		seen[name] = true
		r := g.regs[name]
		if r.Scope == ScopeTest {
			return true
		}
		for _, d := range r.Deps {
			if reachesTestScope(d, seen) {
				return true
			}
		}
		return false
	}
	for _, name := range names {
		r := g.regs[name]
		if r.Scope != ScopeWorker {
			continue
		}
		if reachesTestScope(name, map[string]bool{}) {
			return errors.NewKind(errors.KindScopeMismatch, "worker-scoped fixture %q depends (transitively) on a test-scoped fixture", name)
		}
		reaches[name] = true
	}

	for _, name := range names {
		r := g.regs[name]
		if r.Auto {
			if r.Scope == ScopeWorker {
				g.autoWrk = append(g.autoWrk, r)
			} else {
				g.autoTest = append(g.autoTest, r)
			}
		}
	}

	g.final = true
	return nil
}
