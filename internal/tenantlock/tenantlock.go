// Package tenantlock serializes lifecycle operations per tenant while
// letting different tenants proceed fully in parallel (spec.md §5): start,
// stop, restart, apply_config, pair_start, and delete for the same tenant
// never run concurrently, but tenant A's operations never wait on tenant
// B's.
package tenantlock

import "sync"

// Table is a string-keyed lock table. Entries are created on first use and
// never removed — tenants are long-lived and the set is small enough that
// this costs nothing worth reclaiming.
type Table struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewTable() *Table {
	return &Table{locks: make(map[string]*sync.Mutex)}
}

func (t *Table) lockFor(tenantID string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.locks[tenantID]
	if !ok {
		m = &sync.Mutex{}
		t.locks[tenantID] = m
	}
	return m
}

// Lock acquires tenantID's mutex and returns the unlock function to defer.
func (t *Table) Lock(tenantID string) (unlock func()) {
	m := t.lockFor(tenantID)
	m.Lock()
	return m.Unlock
}
