package realtime

import (
	"maps"
	"slices"

	"transitdata/internal/model"
)

// DefaultRingCapacity is how many snapshots are kept for diffing.
const DefaultRingCapacity = 20

// Ring holds the most recent snapshots keyed by realtime timestamp. When
// full, inserting evicts the smallest timestamp.
type Ring struct {
	capacity int
	entries  map[int64]*model.RealtimeData
}

// NewRing creates a Ring holding at most capacity snapshots.
func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = DefaultRingCapacity
	}
	return &Ring{capacity: capacity, entries: make(map[int64]*model.RealtimeData, capacity+1)}
}

// Len returns the number of stored snapshots.
func (r *Ring) Len() int { return len(r.entries) }

// Get returns the snapshot taken at ts.
func (r *Ring) Get(ts int64) (*model.RealtimeData, bool) {
	rd, ok := r.entries[ts]
	return rd, ok
}

// Timestamps returns the stored timestamps in ascending order.
func (r *Ring) Timestamps() []int64 {
	return slices.Sorted(maps.Keys(r.entries))
}

// Put stores rd under its realtime timestamp and evicts the smallest
// timestamps beyond capacity. It returns the evicted timestamps.
func (r *Ring) Put(rd *model.RealtimeData) []int64 {
	r.entries[rd.RealtimeTimestamp] = rd
	var evicted []int64
	for len(r.entries) > r.capacity {
		oldest := slices.Min(slices.Collect(maps.Keys(r.entries)))
		delete(r.entries, oldest)
		evicted = append(evicted, oldest)
	}
	return evicted
}

// Survivors returns, in ascending order, the stored timestamps other than ts
// that would remain after Put of a snapshot taken at ts.
func (r *Ring) Survivors(ts int64) []int64 {
	all := r.Timestamps()
	if _, ok := r.entries[ts]; !ok {
		all = append(all, ts)
		slices.Sort(all)
	}
	if len(all) > r.capacity {
		all = all[len(all)-r.capacity:]
	}
	return slices.DeleteFunc(all, func(t int64) bool { return t == ts })
}
