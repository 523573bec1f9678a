package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/emunet-dev/emunetd/internal/cmdexec"
	"github.com/emunet-dev/emunetd/internal/logging"
)

// Hook is a script bound to one lifecycle state. It runs exactly once each
// time the session enters that state.
type Hook struct {
	State  State  `json:"state"`
	Name   string `json:"name"`
	Script string `json:"script"`
}

// HookFailure reports one hook that exited non-zero or timed out.
type HookFailure struct {
	Hook Hook
	Err  error
}

const defaultHookTimeout = 30 * time.Second

// HookRunner stores hooks indexed by bound state and executes them on state
// entry. Execution order within a state is registration order.
type HookRunner struct {
	mu      sync.Mutex
	hooks   map[State][]Hook
	runner  cmdexec.Runner
	timeout time.Duration
	log     logging.Logger
}

func NewHookRunner(runner cmdexec.Runner, log logging.Logger) *HookRunner {
	if log == nil {
		log = logging.Noop()
	}
	return &HookRunner{
		hooks:   make(map[State][]Hook),
		runner:  runner,
		timeout: defaultHookTimeout,
		log:     log,
	}
}

// Add registers a hook for its bound state.
func (h *HookRunner) Add(hook Hook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hooks[hook.State] = append(h.hooks[hook.State], hook)
}

// Hooks returns the hooks bound to a state, in registration order.
func (h *HookRunner) Hooks(state State) []Hook {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Hook(nil), h.hooks[state]...)
}

// All returns every registered hook grouped by state.
func (h *HookRunner) All() map[State][]Hook {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[State][]Hook, len(h.hooks))
	for state, hooks := range h.hooks {
		out[state] = append([]Hook(nil), hooks...)
	}
	return out
}

// RunState executes every hook bound to the given state. Each hook gets a
// bounded timeout; a failing or timed-out hook is reported and does not
// stop its siblings.
func (h *HookRunner) RunState(ctx context.Context, state State) []HookFailure {
	var failures []HookFailure
	for _, hook := range h.Hooks(state) {
		if err := h.runOne(ctx, hook); err != nil {
			failures = append(failures, HookFailure{Hook: hook, Err: err})
		}
	}
	return failures
}

// RunOne executes a single hook immediately, outside any state transition.
// Used when a hook is registered for the state the session is already in.
func (h *HookRunner) RunOne(ctx context.Context, hook Hook) error {
	return h.runOne(ctx, hook)
}

func (h *HookRunner) runOne(ctx context.Context, hook Hook) error {
	h.log.Debug(ctx, "running hook",
		logging.String("hook", hook.Name),
		logging.String("state", hook.State.String()))

	res, err := h.runner.RunShell(ctx, h.timeout, hook.Script)
	if err != nil {
		return fmt.Errorf("hook %q: %w", hook.Name, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("hook %q exited %d: %s", hook.Name, res.ExitCode, res.Stderr)
	}
	return nil
}
