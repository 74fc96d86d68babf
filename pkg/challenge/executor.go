package challenge

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dop251/goja"
)

// Result is the object shape the challenge program evaluates to.
type Result struct {
	ServerHashes []string       `json:"server_hashes"`
	ClientHashes []string       `json:"client_hashes"`
	Signals      []string       `json:"signals"`
	Meta         map[string]any `json:"meta,omitempty"`
}

// Executor runs an untrusted challenge program against a set of pre-seeded
// globals and returns its structured result. Implementations must not grant
// the program network, filesystem, or any other ambient capability.
type Executor interface {
	Run(script string, globals map[string]any) (Result, error)
}

// SandboxExecutor evaluates the program in a fresh goja VM per call. The VM
// starts with only the seeded globals plus window/self aliases of the global
// object; a watchdog interrupts runaway scripts.
type SandboxExecutor struct {
	timeout time.Duration
}

func NewSandboxExecutor() *SandboxExecutor {
	return &SandboxExecutor{timeout: 5 * time.Second}
}

// windowPrelude lets the program reach its probes through the aliases a
// browser would provide.
const windowPrelude = `var window = globalThis; var self = globalThis;`

func (e *SandboxExecutor) Run(script string, globals map[string]any) (Result, error) {
	vm := goja.New()
	for name, value := range globals {
		if err := vm.Set(name, value); err != nil {
			return Result{}, fmt.Errorf("seed global %s: %w", name, err)
		}
	}
	if _, err := vm.RunString(windowPrelude); err != nil {
		return Result{}, fmt.Errorf("sandbox prelude: %w", err)
	}

	watchdog := time.AfterFunc(e.timeout, func() {
		vm.Interrupt("challenge execution timeout")
	})
	defer watchdog.Stop()

	value, err := vm.RunString(script)
	if err != nil {
		return Result{}, fmt.Errorf("challenge program: %w", err)
	}
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return Result{}, fmt.Errorf("challenge program returned no value")
	}

	// Round-trip through JSON so []any/map[string]any exports land in the
	// typed result, and anything shape-incompatible fails loudly.
	raw, err := json.Marshal(value.Export())
	if err != nil {
		return Result{}, fmt.Errorf("encode challenge result: %w", err)
	}
	var out Result
	if err := json.Unmarshal(raw, &out); err != nil {
		return Result{}, fmt.Errorf("decode challenge result: %w", err)
	}
	return out, nil
}
