package pipeline

import (
	"context"

	"ontogate/pkg/types"
)

// FuncHook adapts a plain function to the Hook interface. Used by services
// that attach behavior to the commit flow without a dedicated type.
type FuncHook struct {
	name  string
	phase types.HookPhase
	fn    func(ctx context.Context, dc *types.DiffContext) error
}

// NewFuncHook wraps fn as a hook with the given name and phase.
func NewFuncHook(name string, phase types.HookPhase, fn func(ctx context.Context, dc *types.DiffContext) error) *FuncHook {
	return &FuncHook{name: name, phase: phase, fn: fn}
}

func (h *FuncHook) Name() string           { return h.name }
func (h *FuncHook) Enabled() bool          { return true }
func (h *FuncHook) Phase() types.HookPhase { return h.phase }

func (h *FuncHook) Execute(ctx context.Context, dc *types.DiffContext) error {
	return h.fn(ctx, dc)
}

func (h *FuncHook) Cleanup() error { return nil }
