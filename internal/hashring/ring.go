// Package hashring implements the consistent hash ring that maps node keys
// to owning conductors, one ring per driver variant.
package hashring

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/basaltfleet/basalt/internal/models"
)

// ErrNoEligibleOwner is returned when no live conductor declares support for
// the requested driver. Callers must treat the node as unroutable.
var ErrNoEligibleOwner = errors.New("no eligible conductor for driver")

// vnode is one virtual position on the ring.
type vnode struct {
	token    uint64
	hostname string
}

// Ring maps node keys to conductors for a single driver variant.
//
// A Ring is immutable once built. Membership changes produce a new Ring that
// replaces the old one wholesale, so concurrent readers never observe a
// partially updated structure.
type Ring struct {
	driver string
	vnodes []vnode
	hosts  int
}

// Build constructs a ring for driver from the conductors that declare support
// for it. Each eligible conductor contributes replicas virtual positions to
// smooth the load distribution.
func Build(conductors []*models.Conductor, driver string, replicas int) *Ring {
	if replicas < 1 {
		replicas = 1
	}

	r := &Ring{driver: driver}
	for _, c := range conductors {
		if !c.SupportsDriver(driver) {
			continue
		}
		r.hosts++
		for i := 0; i < replicas; i++ {
			r.vnodes = append(r.vnodes, vnode{
				token:    hashToken(fmt.Sprintf("%s:%d", c.Hostname, i)),
				hostname: c.Hostname,
			})
		}
	}

	sort.Slice(r.vnodes, func(i, j int) bool {
		if r.vnodes[i].token != r.vnodes[j].token {
			return r.vnodes[i].token < r.vnodes[j].token
		}
		// Token collisions across hosts are broken by hostname so the ring
		// order is deterministic regardless of input order.
		return r.vnodes[i].hostname < r.vnodes[j].hostname
	})

	return r
}

// Driver returns the driver variant this ring was built for.
func (r *Ring) Driver() string {
	return r.driver
}

// Hosts returns the number of distinct conductors on the ring.
func (r *Ring) Hosts() int {
	return r.hosts
}

// Owner returns the conductor hostname that owns key: the first virtual
// position clockwise from the key's hash.
func (r *Ring) Owner(key string) (string, error) {
	if len(r.vnodes) == 0 {
		return "", fmt.Errorf("%w %q", ErrNoEligibleOwner, r.driver)
	}
	return r.vnodes[r.successor(hashToken(key))].hostname, nil
}

// Owners returns up to n distinct conductor hostnames for key, in ring
// order starting from the primary owner. Used for replica and fallback
// selection.
func (r *Ring) Owners(key string, n int) ([]string, error) {
	if len(r.vnodes) == 0 {
		return nil, fmt.Errorf("%w %q", ErrNoEligibleOwner, r.driver)
	}
	if n > r.hosts {
		n = r.hosts
	}

	owners := make([]string, 0, n)
	seen := make(map[string]bool, n)
	start := r.successor(hashToken(key))
	for i := 0; len(owners) < n && i < len(r.vnodes); i++ {
		host := r.vnodes[(start+i)%len(r.vnodes)].hostname
		if !seen[host] {
			seen[host] = true
			owners = append(owners, host)
		}
	}
	return owners, nil
}

// successor returns the index of the first virtual position at or clockwise
// after token, wrapping at the end of the ring.
func (r *Ring) successor(token uint64) int {
	i := sort.Search(len(r.vnodes), func(i int) bool {
		return r.vnodes[i].token >= token
	})
	if i == len(r.vnodes) {
		return 0
	}
	return i
}

// hashToken derives a stable 64-bit ring position from s.
func hashToken(s string) uint64 {
	sum := sha256.Sum256([]byte(s))
	return binary.BigEndian.Uint64(sum[:8])
}
