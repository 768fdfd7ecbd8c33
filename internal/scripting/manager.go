package scripting

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/cory-johannsen/skirmish/internal/game/dice"
)

// Manager owns one sandboxed VM holding every loaded rule script and
// dispatches hooks into it. It is safe for concurrent use; calls into the
// VM are serialised.
type Manager struct {
	mu     sync.Mutex
	L      *lua.LState
	limit  int
	roller *dice.Roller
	logger *zap.Logger

	// Injected after construction. A nil callback makes the matching
	// engine.* function report "not available".
	ApplyCondition  func(participantID, condition string) error
	RemoveCondition func(participantID, condition string) error
	HasCondition    func(participantID, condition string) bool
	WoundCount      func(participantID string) (int, error)
	WoundThreshold  func(participantID string) (int, error)
}

// NewManager creates a Manager with no scripts loaded.
//
// Precondition: roller and logger must be non-nil; limit >= 0 (0 uses
// DefaultInstructionLimit).
func NewManager(roller *dice.Roller, logger *zap.Logger, limit int) *Manager {
	return &Manager{roller: roller, logger: logger, limit: limit}
}

// LoadDir replaces the VM with a fresh one holding every *.lua file in dir,
// executed in lexicographic order.
//
// Postcondition: On error the previous VM is kept.
func (m *Manager) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("scripting: reading script dir %q: %w", dir, err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".lua" {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)

	return m.load(func(L *lua.LState) error {
		for _, path := range files {
			if err := L.DoFile(path); err != nil {
				return fmt.Errorf("scripting: loading %q: %w", path, err)
			}
		}
		return nil
	})
}

// LoadString replaces the VM with a fresh one holding src.
func (m *Manager) LoadString(name, src string) error {
	return m.load(func(L *lua.LState) error {
		if err := L.DoString(src); err != nil {
			return fmt.Errorf("scripting: loading %q: %w", name, err)
		}
		return nil
	})
}

func (m *Manager) load(run func(L *lua.LState) error) error {
	L := NewSandboxedState()
	m.registerModules(L)
	if err := RunBudgeted(context.Background(), L, m.limit, func() error { return run(L) }); err != nil {
		L.Close()
		return err
	}

	m.mu.Lock()
	old := m.L
	m.L = L
	m.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

// HasHook reports whether a global function named hook is defined.
func (m *Manager) HasHook(hook string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.L == nil {
		return false
	}
	_, ok := m.L.GetGlobal(hook).(*lua.LFunction)
	return ok
}

// CallHook calls the global Lua function hook with args under a fresh
// instruction budget. A missing VM or hook is a no-op returning LNil.
//
// Postcondition: Lua runtime errors, including an exhausted budget, are
// logged at Warn and returned.
func (m *Manager) CallHook(ctx context.Context, hook string, args ...lua.LValue) (lua.LValue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.L == nil {
		return lua.LNil, nil
	}
	fn, ok := m.L.GetGlobal(hook).(*lua.LFunction)
	if !ok {
		return lua.LNil, nil
	}

	L := m.L
	err := RunBudgeted(ctx, L, m.limit, func() error {
		return L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, args...)
	})
	if err != nil {
		m.logger.Warn("scripting: Lua runtime error",
			zap.String("hook", hook),
			zap.Error(err),
		)
		return lua.LNil, fmt.Errorf("scripting: hook %q: %w", hook, err)
	}
	ret := L.Get(-1)
	L.Pop(1)
	return ret, nil
}

// Close releases the VM.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.L != nil {
		m.L.Close()
		m.L = nil
	}
}
