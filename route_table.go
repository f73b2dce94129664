package match

import (
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
)

// routeTable is an immutable pair -> shard assignment. Writers copy, modify and swap it.
type routeTable struct {
	owners  map[string]int
	paused  map[string]struct{}
	version uint64
}

// routes holds the current routeTable. Reads are lock free; writers are serialised.
type routes struct {
	mu      sync.Mutex
	table   atomic.Pointer[routeTable]
	changed atomic.Pointer[chan struct{}]
	shards  int
}

func newRoutes(shards int) *routes {
	r := &routes{shards: shards}
	r.table.Store(&routeTable{
		owners: make(map[string]int),
		paused: make(map[string]struct{}),
	})
	ch := make(chan struct{})
	r.changed.Store(&ch)
	return r
}

// hashShard is the default owner of a pair.
func hashShard(pair string, shards int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(pair))
	return int(h.Sum32() % uint32(shards))
}

// lookup returns the owner of pair and whether it is paused for migration.
func (r *routes) lookup(pair string) (shard int, paused bool, ok bool) {
	t := r.table.Load()
	shard, ok = t.owners[pair]
	_, paused = t.paused[pair]
	return shard, paused, ok
}

// wait returns a channel closed on the next table change.
func (r *routes) wait() <-chan struct{} {
	return *r.changed.Load()
}

// update applies fn to a copy of the table and publishes it. Callers must hold r.mu.
func (r *routes) update(fn func(t *routeTable)) {
	old := r.table.Load()
	next := &routeTable{
		owners:  make(map[string]int, len(old.owners)+1),
		paused:  make(map[string]struct{}, len(old.paused)),
		version: old.version + 1,
	}
	for k, v := range old.owners {
		next.owners[k] = v
	}
	for k := range old.paused {
		next.paused[k] = struct{}{}
	}
	fn(next)
	r.table.Store(next)

	ch := make(chan struct{})
	prev := r.changed.Swap(&ch)
	close(*prev)
}

func (r *routes) setPaused(pair string, paused bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.update(func(t *routeTable) {
		if paused {
			t.paused[pair] = struct{}{}
		} else {
			delete(t.paused, pair)
		}
	})
}

// move reassigns pair to shard and lifts its pause in one swap.
func (r *routes) move(pair string, shard int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.update(func(t *routeTable) {
		t.owners[pair] = shard
		delete(t.paused, pair)
	})
}

// pairsOf lists the pairs assigned to shard, sorted.
func (r *routes) pairsOf(shard int) []string {
	t := r.table.Load()
	var pairs []string
	for pair, owner := range t.owners {
		if owner == shard {
			pairs = append(pairs, pair)
		}
	}
	sort.Strings(pairs)
	return pairs
}

// snapshot returns a copy of the assignments.
func (r *routes) snapshot() map[string]int {
	t := r.table.Load()
	out := make(map[string]int, len(t.owners))
	for k, v := range t.owners {
		out[k] = v
	}
	return out
}
