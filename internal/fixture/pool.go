package fixture

import (
	"context"
	"sort"
	"sync"

	"github.com/paratest-core/paratest/errors"
)

// Fixture is a live instance of a Registration, created lazily on first
// demand inside a Pool.
type Fixture struct {
	reg    *Registration
	value  interface{}
	usages map[*Fixture]struct{}

	setupDone    bool
	teardownDone bool

	// Channels driving the generator-shaped Producer goroutine. Nil for
	// GeneratorValued fixtures, which have no Producer.
	teardownSignal chan struct{}
	done           chan error
}

// Registration returns the registration this instance was created from.
func (f *Fixture) Registration() *Registration { return f.reg }

// Value returns the value produced during setup.
func (f *Fixture) Value() interface{} { return f.value }

type setupResult struct {
	value interface{}
}

// Pool is one node in the fixture-pool tree: a root pool is created once
// per worker, and a child pool is created for each test running in that
// worker. Live Fixture instances are stored on the pool matching their
// registration's Scope: worker-scoped instances always live on the root
// pool (so they are shared across tests in the same worker), test-scoped
// instances live on the test's own pool.
type Pool struct {
	mu        sync.Mutex
	registry  *Registry
	parent    *Pool
	scope     Scope
	instances map[string]*Fixture
	// paramValues supplies values for GeneratorValued registrations,
	// looked up by name. Only meaningful on test-scope pools (generator
	// parameters are per-test).
	paramValues map[string]interface{}
}

// NewRootPool creates the worker-scoped root pool for one worker process.
func NewRootPool(registry *Registry) *Pool {
	return &Pool{
		registry:  registry,
		scope:     ScopeWorker,
		instances: map[string]*Fixture{},
	}
}

// NewTestPool creates a fresh test-scoped child pool. paramValues
// supplies the matrix values for GeneratorValued fixtures used by this
// test.
func (p *Pool) NewTestPool(paramValues map[string]interface{}) *Pool {
	return &Pool{
		registry:    p.registry,
		parent:      p,
		scope:       ScopeTest,
		instances:   map[string]*Fixture{},
		paramValues: paramValues,
	}
}

// storageFor returns the pool that owns (or will own) the live instance
// for a registration with the given scope.
func (p *Pool) storageFor(scope Scope) *Pool {
	if scope == ScopeWorker {
		root := p
		for root.parent != nil {
			root = root.parent
		}
		return root
	}
	return p
}

// SetupFixture resolves and (if necessary) creates the named fixture,
// recursively setting up its dependencies first. Dependents are recorded
// on each dependency's usages set so TeardownScope can unwind in the
// correct order.
//
// Callers within one worker are expected to invoke SetupFixture from the
// worker's single cooperative scheduler goroutine only (per the
// single-threaded-scheduler concurrency model); the locking here guards
// bookkeeping, not concurrent setup of the same fixture.
func (p *Pool) SetupFixture(ctx context.Context, name string) (*Fixture, error) {
	reg, ok := p.registry.Lookup(name)
	if !ok {
		return nil, errors.NewKind(errors.KindNoSuchFixture, "fixture %q is not registered", name)
	}
	storage := p.storageFor(reg.Scope)

	storage.mu.Lock()
	if fx, ok := storage.instances[name]; ok {
		storage.mu.Unlock()
		return fx, nil
	}
	fx := &Fixture{reg: reg, usages: map[*Fixture]struct{}{}}
	storage.instances[name] = fx
	storage.mu.Unlock()

	depVals := map[string]interface{}{}
	for _, d := range reg.Deps {
		df, err := p.SetupFixture(ctx, d)
		if err != nil {
			storage.mu.Lock()
			delete(storage.instances, name)
			storage.mu.Unlock()
			return nil, errors.Wrapf(err, "setting up dependency %q of fixture %q", d, name)
		}
		storage.mu.Lock()
		df.usages[fx] = struct{}{}
		storage.mu.Unlock()
		depVals[d] = df.value
	}

	if reg.GeneratorValued {
		v, ok := p.lookupParam(name)
		if !ok {
			storage.mu.Lock()
			delete(storage.instances, name)
			storage.mu.Unlock()
			return nil, errors.NewKind(errors.KindFatalError, "no parameter value supplied for generator-valued fixture %q", name)
		}
		fx.value = v
		fx.setupDone = true
		return fx, nil
	}

	if err := fx.setup(ctx, depVals, reg.Producer); err != nil {
		storage.mu.Lock()
		delete(storage.instances, name)
		storage.mu.Unlock()
		return nil, errors.Wrapf(err, "setting up fixture %q", name)
	}
	return fx, nil
}

func (p *Pool) lookupParam(name string) (interface{}, bool) {
	for pool := p; pool != nil; pool = pool.parent {
		if pool.paramValues != nil {
			if v, ok := pool.paramValues[name]; ok {
				return v, true
			}
		}
	}
	return nil, false
}

// setup runs reg's Producer in its own goroutine and blocks until it
// yields a value (setup complete) or exits early (setup failure).
func (f *Fixture) setup(ctx context.Context, deps map[string]interface{}, producer Producer) error {
	resultCh := make(chan setupResult, 1)
	f.teardownSignal = make(chan struct{})
	f.done = make(chan error, 1)

	var yieldMu sync.Mutex
	yielded := false
	yield := func(value interface{}) error {
		yieldMu.Lock()
		if yielded {
			yieldMu.Unlock()
			return errors.NewKind(errors.KindFixtureDoubleYield, "yield called more than once")
		}
		yielded = true
		yieldMu.Unlock()

		resultCh <- setupResult{value: value}
		<-f.teardownSignal
		return nil
	}

	go func() {
		err := producer(ctx, deps, yield)
		f.done <- err
	}()

	select {
	case res := <-resultCh:
		f.value = res.value
		f.setupDone = true
		return nil
	case err := <-f.done:
		if err == nil {
			err = errors.New("producer returned without yielding a value")
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// teardown signals the Producer goroutine to resume and waits for it to
// finish. It is a no-op for GeneratorValued fixtures (no Producer) and
// for fixtures that were never set up.
func (f *Fixture) teardown(ctx context.Context) error {
	if f.teardownDone || !f.setupDone {
		return nil
	}
	f.teardownDone = true
	if f.teardownSignal == nil {
		return nil
	}
	close(f.teardownSignal)
	select {
	case err := <-f.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TeardownScope tears down every live instance stored directly on this
// pool (i.e. with the matching scope), each preceded by post-order
// teardown of its usages. Errors are captured per fixture; the first
// encountered is returned, but every fixture is still torn down.
func (p *Pool) TeardownScope(ctx context.Context) error {
	p.mu.Lock()
	names := make([]string, 0, len(p.instances))
	for name := range p.instances {
		names = append(names, name)
	}
	sort.Strings(names)
	instances := p.instances
	p.mu.Unlock()

	var firstErr error
	visited := map[*Fixture]bool{}
	var visit func(fx *Fixture)
	visit = func(fx *Fixture) {
		if visited[fx] {
			return
		}
		visited[fx] = true
		usages := make([]*Fixture, 0, len(fx.usages))
		for u := range fx.usages {
			usages = append(usages, u)
		}
		for _, u := range usages {
			visit(u)
		}
		if err := fx.teardown(ctx); err != nil && firstErr == nil {
			firstErr = errors.WrapKind(errors.KindTeardownError, err, "tearing down fixture %q", fx.reg.Name)
		}
	}
	for _, name := range names {
		visit(instances[name])
	}

	p.mu.Lock()
	p.instances = map[string]*Fixture{}
	p.mu.Unlock()
	return firstErr
}

// SetupAutoFixtures eagerly sets up every fixture registered auto for
// this pool's scope. Worker-scope auto fixtures are set up once, by the
// caller, when the worker starts; test-scope auto fixtures are set up
// per test by ResolveAndRun.
func (p *Pool) SetupAutoFixtures(ctx context.Context) error {
	for _, r := range p.registry.Auto(p.scope) {
		if _, err := p.SetupFixture(ctx, r.Name); err != nil {
			return err
		}
	}
	return nil
}

// ResolveAndRun sets up every auto fixture relevant to this pool's scope
// followed by every fixture named in deps, then invokes fn with the
// resolved dependency values.
func (p *Pool) ResolveAndRun(ctx context.Context, deps []string, fn func(ctx context.Context, resolved map[string]interface{}) error) error {
	if err := p.SetupAutoFixtures(ctx); err != nil {
		return err
	}
	resolved := map[string]interface{}{}
	for _, name := range deps {
		fx, err := p.SetupFixture(ctx, name)
		if err != nil {
			return err
		}
		resolved[name] = fx.value
	}
	return fn(ctx, resolved)
}
