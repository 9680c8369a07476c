package model

import (
	"fmt"
	"maps"
	"slices"
)

// TripDiff lists trips that disappeared and trips that are new.
type TripDiff struct {
	Deleted []TripHash
	Added   []*Trip
}

// ArrivalsDiff describes arrival changes on trips present in both snapshots.
// Modified buckets (trip, station) pairs by the exact shift of their arrival,
// so a trip whose remaining arrivals all moved by Δ costs one bucket entry.
type ArrivalsDiff struct {
	Deleted  map[TripHash][]StationHash
	Added    map[TripHash]map[StationHash]ArrivalTime
	Modified map[TimeDiff]map[TripHash][]StationHash
}

// DataDiff transforms an older snapshot's trips into those of the snapshot
// stamped RealtimeTimestamp.
type DataDiff struct {
	RealtimeTimestamp int64
	Trips             TripDiff
	Arrivals          ArrivalsDiff
	Status            map[TripHash]TripStatus
	Branch            map[TripHash]Branch
	Timestamp         map[TripHash]int64 // last vehicle update, for trips where it changed
}

// NewDataDiff returns an empty diff with every map initialized.
func NewDataDiff(ts int64) *DataDiff {
	return &DataDiff{
		RealtimeTimestamp: ts,
		Arrivals: ArrivalsDiff{
			Deleted:  make(map[TripHash][]StationHash),
			Added:    make(map[TripHash]map[StationHash]ArrivalTime),
			Modified: make(map[TimeDiff]map[TripHash][]StationHash),
		},
		Status:    make(map[TripHash]TripStatus),
		Branch:    make(map[TripHash]Branch),
		Timestamp: make(map[TripHash]int64),
	}
}

// Empty reports whether d carries no change at all.
func (d *DataDiff) Empty() bool {
	return len(d.Trips.Deleted) == 0 && len(d.Trips.Added) == 0 &&
		len(d.Arrivals.Deleted) == 0 && len(d.Arrivals.Added) == 0 && len(d.Arrivals.Modified) == 0 &&
		len(d.Status) == 0 && len(d.Branch) == 0 && len(d.Timestamp) == 0
}

// lookupOrInsert returns m[k], storing mk() first if k is absent.
func lookupOrInsert[K comparable, V any](m map[K]V, k K, mk func() V) V {
	v, ok := m[k]
	if !ok {
		v = mk()
		m[k] = v
	}
	return v
}

func newStationList() map[TripHash][]StationHash { return make(map[TripHash][]StationHash) }

// Diff computes the change from old to cur. Every list in the result is
// sorted, so equal inputs always give identical diffs.
func Diff(old, cur *RealtimeData) *DataDiff {
	d := NewDataDiff(cur.RealtimeTimestamp)

	for h := range old.Trips {
		if _, ok := cur.Trips[h]; !ok {
			d.Trips.Deleted = append(d.Trips.Deleted, h)
		}
	}
	slices.Sort(d.Trips.Deleted)

	for _, h := range slices.Sorted(maps.Keys(cur.Trips)) {
		nt := cur.Trips[h]
		ot, ok := old.Trips[h]
		if !ok {
			d.Trips.Added = append(d.Trips.Added, nt)
			continue
		}
		diffArrivals(&d.Arrivals, h, ot.Arrivals, nt.Arrivals)
		if ot.Status != nt.Status {
			d.Status[h] = nt.Status
		}
		if ot.Branch != nt.Branch {
			d.Branch[h] = nt.Branch
		}
		if ot.Timestamp != nt.Timestamp {
			d.Timestamp[h] = nt.Timestamp
		}
	}
	return d
}

func diffArrivals(a *ArrivalsDiff, h TripHash, old, cur map[StationHash]ArrivalTime) {
	for _, s := range slices.Sorted(maps.Keys(old)) {
		nt, ok := cur[s]
		if !ok {
			a.Deleted[h] = append(a.Deleted[h], s)
			continue
		}
		if ot := old[s]; nt != ot {
			bucket := lookupOrInsert(a.Modified, TimeDiff(nt-ot), newStationList)
			bucket[h] = append(bucket[h], s)
		}
	}
	for s, at := range cur {
		if _, ok := old[s]; !ok {
			added := lookupOrInsert(a.Added, h, func() map[StationHash]ArrivalTime {
				return make(map[StationHash]ArrivalTime)
			})
			added[s] = at
		}
	}
}

// Apply returns the snapshot obtained by applying d to old. old is not
// modified; the static tables are shared with it.
func Apply(old *RealtimeData, d *DataDiff) (*RealtimeData, error) {
	out := &RealtimeData{
		StaticData:        old.StaticData,
		RealtimeTimestamp: d.RealtimeTimestamp,
		Trips:             make(map[TripHash]*Trip, len(old.Trips)),
	}
	for h, t := range old.Trips {
		out.Trips[h] = t.Clone()
	}

	for _, h := range d.Trips.Deleted {
		if _, ok := out.Trips[h]; !ok {
			return nil, fmt.Errorf("apply diff: deleted trip %d not in snapshot", h)
		}
		delete(out.Trips, h)
	}
	for _, t := range d.Trips.Added {
		out.Trips[t.ID] = t.Clone()
	}

	trip := func(h TripHash) (*Trip, error) {
		t, ok := out.Trips[h]
		if !ok {
			return nil, fmt.Errorf("apply diff: trip %d not in snapshot", h)
		}
		return t, nil
	}

	for h, stations := range d.Arrivals.Deleted {
		t, err := trip(h)
		if err != nil {
			return nil, err
		}
		for _, s := range stations {
			delete(t.Arrivals, s)
		}
	}
	for h, added := range d.Arrivals.Added {
		t, err := trip(h)
		if err != nil {
			return nil, err
		}
		for s, at := range added {
			t.Arrivals[s] = at
		}
	}
	for delta, byTrip := range d.Arrivals.Modified {
		for h, stations := range byTrip {
			t, err := trip(h)
			if err != nil {
				return nil, err
			}
			for _, s := range stations {
				at, ok := t.Arrivals[s]
				if !ok {
					return nil, fmt.Errorf("apply diff: trip %d has no arrival at %d", h, s)
				}
				t.Arrivals[s] = at + ArrivalTime(delta)
			}
		}
	}
	for h, st := range d.Status {
		t, err := trip(h)
		if err != nil {
			return nil, err
		}
		t.Status = st
	}
	for h, b := range d.Branch {
		t, err := trip(h)
		if err != nil {
			return nil, err
		}
		t.Branch = b
	}
	for h, ts := range d.Timestamp {
		t, err := trip(h)
		if err != nil {
			return nil, err
		}
		t.Timestamp = ts
	}
	return out, nil
}
