package wire

import (
	"google.golang.org/protobuf/encoding/protowire"

	"transitdata/internal/model"
)

// EncodeUpdate serializes d as a DataUpdate message.
func EncodeUpdate(d *model.DataDiff) []byte {
	var e buffer
	e.varint(1, d.RealtimeTimestamp)

	e.message(2, func(m *buffer) {
		m.packed(1, toUint32s(d.Trips.Deleted))
		for _, t := range d.Trips.Added {
			m.message(2, func(a *buffer) {
				a.uvarint(1, uint64(t.ID))
				a.message(2, func(i *buffer) { appendTripInfo(i, t) })
			})
		}
	})

	e.message(3, func(m *buffer) {
		m.message(1, func(td *buffer) { appendTripStationDict(td, d.Arrivals.Deleted) })
		for _, h := range sortedKeys(d.Arrivals.Added) {
			added := d.Arrivals.Added[h]
			m.message(2, func(en *buffer) {
				en.varintAlways(1, uint64(h))
				en.message(2, func(sa *buffer) {
					for _, s := range sortedKeys(added) {
						sa.message(1, func(a *buffer) {
							a.uvarint(1, uint64(s))
							a.varint(2, int64(added[s]))
						})
					}
				})
			})
		}
		for _, delta := range sortedKeys(d.Arrivals.Modified) {
			byTrip := d.Arrivals.Modified[delta]
			m.message(3, func(en *buffer) {
				en.varintAlways(1, protowire.EncodeZigZag(int64(delta)))
				en.message(2, func(td *buffer) { appendTripStationDict(td, byTrip) })
			})
		}
	})

	for _, h := range sortedKeys(d.Status) {
		e.message(4, func(m *buffer) {
			m.varintAlways(1, uint64(h))
			m.varintAlways(2, uint64(d.Status[h]))
		})
	}
	for _, h := range sortedKeys(d.Branch) {
		e.message(5, func(m *buffer) {
			m.varintAlways(1, uint64(h))
			m.message(2, func(b *buffer) { appendBranch(b, d.Branch[h]) })
		})
	}
	for _, h := range sortedKeys(d.Timestamp) {
		e.message(6, func(m *buffer) {
			m.varintAlways(1, uint64(h))
			m.varintAlways(2, uint64(d.Timestamp[h]))
		})
	}
	return e.b
}

func appendTripStationDict(e *buffer, m map[model.TripHash][]model.StationHash) {
	for _, h := range sortedKeys(m) {
		stations := m[h]
		e.message(1, func(en *buffer) {
			en.varintAlways(1, uint64(h))
			en.message(2, func(sl *buffer) { sl.packed(1, toUint32s(stations)) })
		})
	}
}

// DecodeUpdate parses a DataUpdate message. Every map in the result is non-nil.
func DecodeUpdate(b []byte) (*model.DataDiff, error) {
	d := model.NewDataDiff(0)

	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			if err := f.want(protowire.VarintType); err != nil {
				return err
			}
			d.RealtimeTimestamp = int64(f.v)
		case 2:
			if err := f.want(protowire.BytesType); err != nil {
				return err
			}
			return decodeTripsUpdate(f.raw, &d.Trips)
		case 3:
			if err := f.want(protowire.BytesType); err != nil {
				return err
			}
			return decodeArrivalsUpdate(f.raw, &d.Arrivals)
		case 4:
			h, v, err := scalarEntry(f)
			if err != nil {
				return err
			}
			d.Status[model.TripHash(h)] = model.TripStatus(int32(v))
		case 5:
			var br model.Branch
			h, err := messageEntry(f, func(raw []byte) error { return decodeBranch(raw, &br) })
			if err != nil {
				return err
			}
			d.Branch[model.TripHash(h)] = br
		case 6:
			h, v, err := scalarEntry(f)
			if err != nil {
				return err
			}
			d.Timestamp[model.TripHash(h)] = int64(v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

func decodeTripsUpdate(b []byte, td *model.TripDiff) error {
	return walk(b, func(f field) error {
		switch f.num {
		case 1:
			vs, err := uint32s(f, nil)
			if err != nil {
				return err
			}
			for _, v := range vs {
				td.Deleted = append(td.Deleted, model.TripHash(v))
			}
		case 2:
			if err := f.want(protowire.BytesType); err != nil {
				return err
			}
			t := &model.Trip{Arrivals: make(map[model.StationHash]model.ArrivalTime)}
			err := walk(f.raw, func(af field) error {
				switch af.num {
				case 1:
					if err := af.want(protowire.VarintType); err != nil {
						return err
					}
					t.ID = model.TripHash(af.v)
				case 2:
					if err := af.want(protowire.BytesType); err != nil {
						return err
					}
					return decodeTripInfo(af.raw, t)
				}
				return nil
			})
			if err != nil {
				return err
			}
			td.Added = append(td.Added, t)
		}
		return nil
	})
}

func decodeArrivalsUpdate(b []byte, a *model.ArrivalsDiff) error {
	return walk(b, func(f field) error {
		switch f.num {
		case 1:
			if err := f.want(protowire.BytesType); err != nil {
				return err
			}
			return decodeTripStationDict(f.raw, a.Deleted)
		case 2:
			added := make(map[model.StationHash]model.ArrivalTime)
			h, err := messageEntry(f, func(raw []byte) error {
				return walk(raw, func(sf field) error {
					if sf.num != 1 {
						return nil
					}
					if err := sf.want(protowire.BytesType); err != nil {
						return err
					}
					return decodeStationArrival(sf.raw, added)
				})
			})
			if err != nil {
				return err
			}
			a.Added[model.TripHash(h)] = added
		case 3:
			if err := f.want(protowire.BytesType); err != nil {
				return err
			}
			var k uint64
			byTrip := make(map[model.TripHash][]model.StationHash)
			err := entry(f.raw, varintKey(&k), func(v field) error {
				if err := v.want(protowire.BytesType); err != nil {
					return err
				}
				return decodeTripStationDict(v.raw, byTrip)
			})
			if err != nil {
				return err
			}
			a.Modified[model.TimeDiff(protowire.DecodeZigZag(k))] = byTrip
		}
		return nil
	})
}

func decodeStationArrival(b []byte, out map[model.StationHash]model.ArrivalTime) error {
	var s model.StationHash
	var at model.ArrivalTime
	err := walk(b, func(f field) error {
		if f.num != 1 && f.num != 2 {
			return nil
		}
		if err := f.want(protowire.VarintType); err != nil {
			return err
		}
		if f.num == 1 {
			s = model.StationHash(f.v)
		} else {
			at = model.ArrivalTime(int64(f.v))
		}
		return nil
	})
	out[s] = at
	return err
}

func decodeTripStationDict(b []byte, out map[model.TripHash][]model.StationHash) error {
	return walk(b, func(f field) error {
		if f.num != 1 {
			return nil
		}
		var stations []model.StationHash
		h, err := messageEntry(f, func(raw []byte) error {
			return walk(raw, func(sf field) error {
				if sf.num != 1 {
					return nil
				}
				vs, err := uint32s(sf, nil)
				if err != nil {
					return err
				}
				for _, v := range vs {
					stations = append(stations, model.StationHash(v))
				}
				return nil
			})
		})
		if err != nil {
			return err
		}
		out[model.TripHash(h)] = stations
		return nil
	})
}
