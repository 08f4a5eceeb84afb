package hashring

import (
	"sync"

	"github.com/basaltfleet/basalt/internal/models"
)

// Table holds one ring per driver variant, rebuilt as a unit from each
// membership snapshot.
//
// Reads take the RLock only long enough to grab the current ring pointer;
// rings themselves are immutable. Rebuild is the single writer.
type Table struct {
	replicas int

	mu      sync.RWMutex
	rings   map[string]*Ring
	version uint64
}

// NewTable creates an empty ring table.
func NewTable(replicas int) *Table {
	return &Table{
		replicas: replicas,
		rings:    make(map[string]*Ring),
	}
}

// Rebuild replaces every ring from the given membership snapshot and stamps
// the table with the snapshot's version. A rebuild with a version at or
// behind the current one is ignored, making rebuild idempotent under
// concurrent delta notifications.
//
// It returns true if the table advanced.
func (t *Table) Rebuild(conductors []*models.Conductor, version uint64) bool {
	drivers := make(map[string]bool)
	for _, c := range conductors {
		for _, d := range c.Drivers {
			drivers[d] = true
		}
	}

	rings := make(map[string]*Ring, len(drivers))
	for d := range drivers {
		rings[d] = Build(conductors, d, t.replicas)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if version <= t.version && t.version != 0 {
		return false
	}
	t.rings = rings
	t.version = version
	return true
}

// Ring returns the current ring for driver. The second return is false when
// no conductor has ever declared the driver; the returned ring may still be
// empty if all of them expired.
func (t *Table) Ring(driver string) (*Ring, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.rings[driver]
	return r, ok
}

// Owner resolves the owning conductor for a node key under driver.
func (t *Table) Owner(driver, key string) (string, error) {
	r, ok := t.Ring(driver)
	if !ok {
		return "", ErrNoEligibleOwner
	}
	return r.Owner(key)
}

// Version returns the membership snapshot version the table was built from.
func (t *Table) Version() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.version
}

// Drivers returns the driver variants currently carrying a ring.
func (t *Table) Drivers() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.rings))
	for d := range t.rings {
		out = append(out, d)
	}
	return out
}
