// Package scripting runs sandboxed GopherLua rule scripts that react to
// combat events. It has no dependency on the session; every interaction
// with participants is injected through Manager callback fields.
package scripting

import (
	"context"
	"sync/atomic"

	lua "github.com/yuin/gopher-lua"
)

// DefaultInstructionLimit is the opcode budget of one script call when no
// limit is configured.
const DefaultInstructionLimit = 100_000

// countingContext cancels itself after Done has been called limit times.
// GopherLua calls Done once per opcode, so this is an exact opcode budget.
type countingContext struct {
	context.Context
	cancel    context.CancelFunc
	remaining atomic.Int64
}

func (c *countingContext) Done() <-chan struct{} {
	if c.remaining.Add(-1) <= 0 {
		c.cancel()
	}
	return c.Context.Done()
}

// newBudget returns a context that cancels after limit opcodes or when
// parent is done.
func newBudget(parent context.Context, limit int) (context.Context, context.CancelFunc) {
	base, cancel := context.WithCancel(parent)
	c := &countingContext{Context: base, cancel: cancel}
	c.remaining.Store(int64(limit))
	return c, cancel
}

// NewSandboxedState creates an LState with only the base, table, string and
// math libraries and without dofile, loadfile, load, collectgarbage and
// require.
//
// The state carries no instruction budget; callers attach one per call with
// RunBudgeted.
//
// Postcondition: The caller owns the state and must Close it.
func NewSandboxedState() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
	for _, name := range []string{"dofile", "loadfile", "load", "collectgarbage", "require"} {
		L.SetGlobal(name, lua.LNil)
	}
	return L
}

// RunBudgeted runs fn with at most limit opcodes available to L, then
// removes the budget.
//
// Precondition: limit >= 0; 0 uses DefaultInstructionLimit.
func RunBudgeted(ctx context.Context, L *lua.LState, limit int, fn func() error) error {
	if limit <= 0 {
		limit = DefaultInstructionLimit
	}
	bctx, cancel := newBudget(ctx, limit)
	defer cancel()
	L.SetContext(bctx)
	defer L.RemoveContext()
	return fn()
}
