package worker

import (
	"bytes"
	"context"
	"sync"

	"github.com/paratest-core/paratest/internal/testmodel"
)

// Context is the explicit context object threaded through fixture
// setup/teardown, hooks, and test bodies. It carries resolved fixture
// values, free-form per-test data, and stdio capture buffers rather than
// relying on any process-global "current test" state.
type Context struct {
	ctx      context.Context
	resolved map[string]interface{}

	mu     sync.Mutex
	data   map[string]interface{}
	stdout bytes.Buffer
	stderr bytes.Buffer
}

// NewContext builds a Context wrapping ctx with the given resolved
// fixture values.
func NewContext(ctx context.Context, resolved map[string]interface{}) *Context {
	return &Context{ctx: ctx, resolved: resolved, data: map[string]interface{}{}}
}

// Context implements testmodel.HookContext.
func (c *Context) Context() interface{} { return c.ctx }

// Ctx returns the underlying context.Context directly (used within this
// package, where the interface{} erasure of HookContext is unnecessary).
func (c *Context) Ctx() context.Context { return c.ctx }

// Fixture returns the resolved value of a named dependency.
func (c *Context) Fixture(name string) interface{} { return c.resolved[name] }

// SetData attaches a key/value pair to the current test's reported data.
func (c *Context) SetData(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
}

// Data returns a copy of the attached data.
func (c *Context) Data() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]interface{}, len(c.data))
	for k, v := range c.data {
		out[k] = v
	}
	return out
}

// Stdout returns the writer test/hook bodies should use for captured
// stdout; the worker forwards its contents as StdChunk messages.
func (c *Context) Stdout() *bytes.Buffer { return &c.stdout }

// Stderr is the stderr analogue of Stdout.
func (c *Context) Stderr() *bytes.Buffer { return &c.stderr }

var _ testmodel.HookContext = (*Context)(nil)
