package runtime

import "context"

// Reasoner is the pluggable perception/reasoning step the runtime drives
// through GET_MISSION/SCAN/THINK/ACT/OBSERVE. Implementations may call an
// LLM, a rule engine, or a stub for tests — the runtime is agnostic.
type Reasoner interface {
	RunStep(ctx context.Context, step Step, stepCtx StepContext) (StepResult, error)
}

// ToolHandler executes one tool by name.
type ToolHandler interface {
	Invoke(ctx context.Context, input []byte) (output []byte, err error)
}

// ToolHandlerFunc adapts a plain function to ToolHandler.
type ToolHandlerFunc func(ctx context.Context, input []byte) ([]byte, error)

// Invoke calls f.
func (f ToolHandlerFunc) Invoke(ctx context.Context, input []byte) ([]byte, error) {
	return f(ctx, input)
}

// ToolRegistry resolves a tool name to a handler, using a single flat
// namespace rather than per-server routing.
type ToolRegistry struct {
	handlers map[string]ToolHandler
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{handlers: make(map[string]ToolHandler)}
}

// Register adds or replaces the handler for name.
func (r *ToolRegistry) Register(name string, h ToolHandler) {
	r.handlers[name] = h
}

// Lookup returns the handler for name, or nil if none is registered.
func (r *ToolRegistry) Lookup(name string) ToolHandler {
	return r.handlers[name]
}
