// Package ring maps nodes to conductors with per-driver consistent hashing.
// Membership is derived from conductor heartbeat records, so the mapping
// self-heals as processes join and leave; it only narrows which conductor
// should act on a node; mutual exclusion stays with the repository CAS.
package ring

import (
	"fmt"
	"hash/fnv"
	"sort"
)

// DefaultReplicas is the virtual-node count per conductor per driver ring.
const DefaultReplicas = 128

// Member describes one live conductor and the hardware-type bundles it
// declares support for.
type Member struct {
	ID      string
	Drivers []string
}

type token struct {
	hash  uint64
	owner string
}

// Ring is an immutable snapshot of the conductor topology. Build a new Ring
// when membership changes and swap it atomically; lookups are read-only.
type Ring struct {
	replicas int
	members  int
	byDriver map[string][]token
}

// Option customises ring construction.
type Option func(*Ring)

// WithReplicas overrides the virtual-node count per member.
func WithReplicas(n int) Option {
	return func(r *Ring) {
		if n > 0 {
			r.replicas = n
		}
	}
}

// New builds a ring from the given members. Each driver gets its own ring
// containing only the conductors that declare support for it.
func New(members []Member, opts ...Option) *Ring {
	r := &Ring{
		replicas: DefaultReplicas,
		byDriver: make(map[string][]token),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.members = len(members)
	for _, m := range members {
		for _, driver := range m.Drivers {
			tokens := r.byDriver[driver]
			for i := 0; i < r.replicas; i++ {
				tokens = append(tokens, token{
					hash:  hashKey(fmt.Sprintf("%s/%d", m.ID, i)),
					owner: m.ID,
				})
			}
			r.byDriver[driver] = tokens
		}
	}

	for driver := range r.byDriver {
		tokens := r.byDriver[driver]
		sort.Slice(tokens, func(i, j int) bool { return tokens[i].hash < tokens[j].hash })
	}

	return r
}

// Owners returns up to n distinct conductor ids responsible for key on the
// given driver's ring, in preference order. An empty slice means no live
// conductor supports the driver.
func (r *Ring) Owners(driver, key string, n int) []string {
	if r == nil || n <= 0 {
		return nil
	}
	tokens := r.byDriver[driver]
	if len(tokens) == 0 {
		return nil
	}

	h := hashKey(key)
	start := sort.Search(len(tokens), func(i int) bool { return tokens[i].hash >= h })

	seen := make(map[string]bool, n)
	owners := make([]string, 0, n)
	for i := 0; i < len(tokens) && len(owners) < n; i++ {
		t := tokens[(start+i)%len(tokens)]
		if seen[t.owner] {
			continue
		}
		seen[t.owner] = true
		owners = append(owners, t.owner)
	}
	return owners
}

// Owner returns the primary conductor for key, or "" when the driver has no
// live conductors.
func (r *Ring) Owner(driver, key string) string {
	owners := r.Owners(driver, key, 1)
	if len(owners) == 0 {
		return ""
	}
	return owners[0]
}

// IsMappedTo reports whether conductorID is the primary owner of key on the
// driver's ring.
func (r *Ring) IsMappedTo(driver, key, conductorID string) bool {
	return r.Owner(driver, key) == conductorID
}

// Size returns the number of members the ring was built from.
func (r *Ring) Size() int {
	if r == nil {
		return 0
	}
	return r.members
}

// Conductors returns the distinct member ids present on the driver's ring.
func (r *Ring) Conductors(driver string) []string {
	if r == nil {
		return nil
	}
	seen := make(map[string]bool)
	var out []string
	for _, t := range r.byDriver[driver] {
		if !seen[t.owner] {
			seen[t.owner] = true
			out = append(out, t.owner)
		}
	}
	sort.Strings(out)
	return out
}

func hashKey(key string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return h.Sum64()
}
