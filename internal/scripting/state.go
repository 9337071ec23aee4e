// Package scripting is the host-facing surface of the runtime. An Engine
// owns the module loader, the builtin catalog, and the sandbox manager,
// and produces guest states that are sandboxed before any untrusted code
// runs in them.
package scripting

import (
	"context"
	"sync/atomic"

	lua "github.com/yuin/gopher-lua"

	"github.com/luabox/luabox/internal/sandbox"
)

// countingContext cancels itself after Done() has been called a fixed
// number of times. GopherLua's main loop calls Done() once per opcode,
// which makes this an exact, deterministic instruction ceiling.
type countingContext struct {
	context.Context
	cancel    context.CancelFunc
	remaining *atomic.Int64
	tripped   atomic.Bool
}

func (c *countingContext) Done() <-chan struct{} {
	if c.remaining.Add(-1) <= 0 {
		c.tripped.Store(true)
		c.cancel()
	}
	return c.Context.Done()
}

// limitContext builds the execution context for one guest state from the
// policy ceilings. A positive MaxExecutionTime adds a deadline; a positive
// MaxInstructions wraps it in a counting context. Both ceilings may be
// active at once; whichever trips first terminates the VM on the next
// opcode boundary.
func limitContext(limits sandbox.Limits) (context.Context, context.CancelFunc) {
	var (
		base   context.Context
		cancel context.CancelFunc
	)
	if limits.MaxExecutionTime > 0 {
		base, cancel = context.WithTimeout(context.Background(), limits.MaxExecutionTime)
	} else {
		base, cancel = context.WithCancel(context.Background())
	}

	if limits.MaxInstructions <= 0 {
		return base, cancel
	}

	rem := &atomic.Int64{}
	rem.Store(int64(limits.MaxInstructions))
	return &countingContext{
		Context:   base,
		cancel:    cancel,
		remaining: rem,
	}, cancel
}

// libOpeners maps allowed-module names to their GopherLua open functions.
// Only these libraries can ever be opened into a guest state; anything
// else in the allow-set is assumed to arrive via the builtin catalog.
var libOpeners = map[string]lua.LGFunction{
	"table":     lua.OpenTable,
	"string":    lua.OpenString,
	"math":      lua.OpenMath,
	"coroutine": lua.OpenCoroutine,
}

// newRawState creates an LState with only the base library plus the
// policy-allowed safe libraries opened, and the limit context installed.
// The caller still must apply the sandbox before running guest code.
func newRawState(policy sandbox.Policy) (*lua.LState, context.CancelFunc) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})

	lua.OpenBase(L)
	for _, name := range policy.AllowedModules {
		if open, ok := libOpeners[name]; ok {
			open(L)
		}
	}

	ctx, cancel := limitContext(policy.Limits)
	L.SetContext(ctx)
	return L, cancel
}

// deadlineExceeded reports whether the script was terminated by the limit
// context rather than by its own error. The counting wrapper is inspected
// through its tripped flag; calling Done() here would spend budget on the
// post-mortem itself.
func deadlineExceeded(ctx context.Context) (sandbox.ViolationType, bool) {
	if cc, ok := ctx.(*countingContext); ok && cc.tripped.Load() {
		return sandbox.ViolationInstrLimit, true
	}
	if ctx.Err() == context.DeadlineExceeded {
		return sandbox.ViolationTimeLimit, true
	}
	return "", false
}
