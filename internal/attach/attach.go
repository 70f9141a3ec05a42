// Package attach scopes a host runtime around the body of a pipeline
// goroutine. Hosts that need per-thread registration (a managed runtime
// calling back into the process) implement Runtime; everyone else uses Nop.
package attach

import "fmt"

// Runtime attaches the calling OS thread to the host and detaches it again.
type Runtime interface {
	Attach() error
	Detach()
}

// Nop is a Runtime that does nothing.
type Nop struct{}

// Attach does nothing.
func (Nop) Attach() error { return nil }

// Detach does nothing.
func (Nop) Detach() {}

// Run attaches rt, runs body and detaches. A failed attach skips body. A
// nil rt behaves like Nop. The caller is expected to have locked its OS
// thread when the host cares about thread identity.
func Run(rt Runtime, body func()) error {
	if rt == nil {
		body()
		return nil
	}
	if err := rt.Attach(); err != nil {
		return fmt.Errorf("attaching runtime: %w", err)
	}
	defer rt.Detach()
	body()
	return nil
}
