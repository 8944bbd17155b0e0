package patch

import (
	"sort"
	"sync"
)

// lockTable is an advisory lock per absolute path. A session's whole path set
// is acquired in one critical section, so an apply never holds a subset.
type lockTable struct {
	mu   sync.Mutex
	held map[string]string // path -> session id
}

func newLockTable() *lockTable {
	return &lockTable{held: make(map[string]string)}
}

func (t *lockTable) acquire(owner string, paths []string) error {
	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)

	t.mu.Lock()
	defer t.mu.Unlock()

	var conflicts []string
	for _, p := range sorted {
		if _, busy := t.held[p]; busy {
			conflicts = append(conflicts, p)
		}
	}
	if len(conflicts) > 0 {
		return &LockConflictError{Paths: conflicts}
	}
	for _, p := range sorted {
		t.held[p] = owner
	}
	return nil
}

func (t *lockTable) release(owner string, paths []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range paths {
		if t.held[p] == owner {
			delete(t.held, p)
		}
	}
}

func (t *lockTable) snapshot() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.held))
	for p := range t.held {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
