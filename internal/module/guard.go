package module

import "sync"

// ImportGuard marks modules that are currently applying a pulled remote
// change to the local store. Content-save hooks check it before enqueueing:
// without the guard, every pull-triggered local write would enqueue a push
// of the very change that just arrived.
//
// Scoped per (tenant, module) so concurrent tenants never cross-contaminate
// each other's suppression.
type ImportGuard struct {
	mu        sync.Mutex
	importing map[guardKey]int
}

type guardKey struct {
	tenant, module string
}

// NewImportGuard creates an empty guard.
func NewImportGuard() *ImportGuard {
	return &ImportGuard{importing: make(map[guardKey]int)}
}

// Enter marks a module as importing. Calls nest; each Enter needs a
// matching Exit.
func (g *ImportGuard) Enter(tenant, module string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.importing[guardKey{tenant, module}]++
}

// Exit clears one level of importing mark.
func (g *ImportGuard) Exit(tenant, module string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := guardKey{tenant, module}
	if g.importing[key] <= 1 {
		delete(g.importing, key)
		return
	}
	g.importing[key]--
}

// Importing reports whether the module is currently applying a pull.
func (g *ImportGuard) Importing(tenant, module string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.importing[guardKey{tenant, module}] > 0
}
