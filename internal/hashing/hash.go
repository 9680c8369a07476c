// Package hashing turns upstream string identifiers into short, typed,
// process-stable 32-bit hashes.
package hashing

import (
	"errors"
	"fmt"
)

// StationHash identifies a station (a GTFS parent station or stand-alone stop).
type StationHash uint32

// RouteHash identifies a route after alias resolution.
type RouteHash uint32

// TripHash identifies a realtime trip.
type TripHash uint32

func (StationHash) Tag() string { return "StationHash" }
func (RouteHash) Tag() string   { return "RouteHash" }
func (TripHash) Tag() string    { return "TripHash" }

// Hash is satisfied by the three identifier kinds.
type Hash interface {
	~uint32
	Tag() string
}

// ErrCollision is returned when two distinct identifiers of the same kind hash equal.
var ErrCollision = errors.New("hash collision")

// Sum hashes id with the tag of H appended, so that equal text of different
// kinds never yields the same value.
func Sum[H Hash](id string) H {
	var zero H
	return H(superFastHash([]byte(id + zero.Tag())))
}

// Station is shorthand for Sum[StationHash].
func Station(id string) StationHash { return Sum[StationHash](id) }

// Route is shorthand for Sum[RouteHash].
func Route(id string) RouteHash { return Sum[RouteHash](id) }

// Trip is shorthand for Sum[TripHash].
func Trip(id string) TripHash { return Sum[TripHash](id) }

// Registry remembers which identifier produced each hash so collisions are
// detected instead of silently aliasing two entities. Not safe for concurrent use.
type Registry struct {
	seen map[string]map[uint32]string // tag -> hash -> id
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{seen: make(map[string]map[uint32]string)}
}

// Register hashes id and records it. Registering the same id twice is fine;
// a different id with an already-recorded hash returns ErrCollision.
func Register[H Hash](r *Registry, id string) (H, error) {
	h := Sum[H](id)
	var zero H
	tag := zero.Tag()

	byHash, ok := r.seen[tag]
	if !ok {
		byHash = make(map[uint32]string)
		r.seen[tag] = byHash
	}
	if prev, ok := byHash[uint32(h)]; ok && prev != id {
		return h, fmt.Errorf("%w: %s %q and %q both hash to %d", ErrCollision, tag, prev, id, uint32(h))
	}
	byHash[uint32(h)] = id
	return h, nil
}

// Len returns the number of distinct identifiers registered under H's tag.
func Len[H Hash](r *Registry) int {
	var zero H
	return len(r.seen[zero.Tag()])
}

// superFastHash is Paul Hsieh's SuperFastHash. The remainder bytes are treated
// as signed chars, as in the reference implementation.
func superFastHash(data []byte) uint32 {
	n := len(data)
	if n == 0 {
		return 0
	}

	hash := uint32(n)
	rem := n & 3
	i := 0
	for blocks := n >> 2; blocks > 0; blocks-- {
		hash += get16(data[i:])
		tmp := (get16(data[i+2:]) << 11) ^ hash
		hash = (hash << 16) ^ tmp
		hash += hash >> 11
		i += 4
	}

	switch rem {
	case 3:
		hash += get16(data[i:])
		hash ^= hash << 16
		hash ^= uint32(int8(data[i+2])) << 18
		hash += hash >> 11
	case 2:
		hash += get16(data[i:])
		hash ^= hash << 11
		hash += hash >> 17
	case 1:
		hash += uint32(int8(data[i]))
		hash ^= hash << 10
		hash += hash >> 1
	}

	// Force "avalanching" of final 127 bits
	hash ^= hash << 3
	hash += hash >> 5
	hash ^= hash << 4
	hash += hash >> 17
	hash ^= hash << 25
	hash += hash >> 6
	return hash
}

func get16(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8
}
