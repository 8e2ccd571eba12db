package catalog

import "sync"

// Active is the process-wide handle to the current catalog. Batches read a
// snapshot at start and keep it for their whole run; Swap replaces the set
// atomically without touching in-flight batches.
type Active struct {
	mu  sync.RWMutex
	cur *Catalog
}

func NewActive(c *Catalog) *Active {
	return &Active{cur: c}
}

// Snapshot returns the current catalog. The returned value is immutable.
func (a *Active) Snapshot() *Catalog {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cur
}

// Swap installs a replacement catalog and returns the previous one.
func (a *Active) Swap(c *Catalog) *Catalog {
	a.mu.Lock()
	defer a.mu.Unlock()
	prev := a.cur
	a.cur = c
	return prev
}

// Reload loads the given sources and, only on success, swaps the result in.
// A failed load leaves the active catalog untouched.
func (a *Active) Reload(paths ...string) (*Catalog, error) {
	c, err := Load(paths...)
	if err != nil {
		return nil, err
	}
	a.Swap(c)
	return c, nil
}
