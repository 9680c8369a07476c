package wire

import (
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"transitdata/internal/model"
)

// EncodeFull serializes rd as a DataFull message.
func EncodeFull(rd *model.RealtimeData) []byte {
	var e buffer
	e.str(1, rd.Name)
	e.varint(2, rd.StaticTimestamp)
	e.varint(3, rd.RealtimeTimestamp)

	for _, h := range sortedKeys(rd.Routes) {
		r := rd.Routes[h]
		e.message(4, func(m *buffer) {
			m.varintAlways(1, uint64(h))
			m.message(2, func(v *buffer) { appendRouteInfo(v, r) })
		})
	}
	for _, h := range sortedKeys(rd.Stations) {
		st := rd.Stations[h]
		e.message(5, func(m *buffer) {
			m.varintAlways(1, uint64(h))
			m.message(2, func(v *buffer) { appendStation(v, st) })
		})
	}
	for _, id := range sortedKeys(rd.RouteHashLookup) {
		e.message(6, func(m *buffer) {
			m.strAlways(1, id)
			m.varintAlways(2, uint64(rd.RouteHashLookup[id]))
		})
	}
	for _, id := range sortedKeys(rd.StationHashLookup) {
		e.message(7, func(m *buffer) {
			m.strAlways(1, id)
			m.varintAlways(2, uint64(rd.StationHashLookup[id]))
		})
	}
	for _, h := range sortedKeys(rd.Transfers) {
		times := rd.Transfers[h]
		e.message(8, func(m *buffer) {
			m.varintAlways(1, uint64(h))
			m.message(2, func(v *buffer) {
				for _, to := range sortedKeys(times) {
					v.message(1, func(t *buffer) {
						t.varintAlways(1, uint64(to))
						t.varintAlways(2, uint64(int64(times[to])))
					})
				}
			})
		})
	}
	for _, h := range sortedKeys(rd.Trips) {
		t := rd.Trips[h]
		e.message(9, func(m *buffer) {
			m.varintAlways(1, uint64(h))
			m.message(2, func(v *buffer) { appendTripInfo(v, t) })
		})
	}
	return e.b
}

func appendRouteInfo(e *buffer, r model.RouteInfo) {
	e.str(1, r.Desc)
	e.uvarint(2, uint64(r.Color))
	e.uvarint(3, uint64(r.TextColor))
	e.packed(4, toUint32s(r.Stations))
}

func appendStation(e *buffer, st model.Station) {
	e.str(1, st.Name)
	e.float(2, st.Lat)
	e.float(3, st.Lon)
	for _, to := range sortedKeys(st.TravelTimes) {
		e.message(4, func(m *buffer) {
			m.varintAlways(1, uint64(to))
			m.varintAlways(2, uint64(int64(st.TravelTimes[to])))
		})
	}
	e.str(5, st.Borough)
	e.str(6, st.Complex)
	e.str(7, st.NorthLabel)
	e.str(8, st.SouthLabel)
}

func appendBranch(e *buffer, b model.Branch) {
	e.uvarint(1, uint64(b.Route))
	e.uvarint(2, uint64(b.FinalStation))
}

func appendTripInfo(e *buffer, t *model.Trip) {
	e.message(1, func(b *buffer) { appendBranch(b, t.Branch) })
	e.uvarint(2, uint64(t.Status))
	e.varint(3, t.Timestamp)
	for _, s := range sortedKeys(t.Arrivals) {
		e.message(4, func(m *buffer) {
			m.varintAlways(1, uint64(s))
			m.varintAlways(2, uint64(int64(t.Arrivals[s])))
		})
	}
}

// DecodeFull parses a DataFull message. Every map in the result is non-nil.
func DecodeFull(b []byte) (*model.RealtimeData, error) {
	sd := model.NewStaticData("")
	rd := &model.RealtimeData{Trips: make(map[model.TripHash]*model.Trip)}

	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			if err := f.want(protowire.BytesType); err != nil {
				return err
			}
			sd.Name = string(f.raw)
		case 2:
			if err := f.want(protowire.VarintType); err != nil {
				return err
			}
			sd.StaticTimestamp = int64(f.v)
		case 3:
			if err := f.want(protowire.VarintType); err != nil {
				return err
			}
			rd.RealtimeTimestamp = int64(f.v)
		case 4:
			var r model.RouteInfo
			k, err := messageEntry(f, func(raw []byte) error { return decodeRouteInfo(raw, &r) })
			if err != nil {
				return err
			}
			sd.Routes[model.RouteHash(k)] = r
		case 5:
			st := model.Station{TravelTimes: make(map[model.StationHash]model.TravelTime)}
			k, err := messageEntry(f, func(raw []byte) error { return decodeStation(raw, &st) })
			if err != nil {
				return err
			}
			st.ID = model.StationHash(k)
			sd.Stations[st.ID] = st
		case 6, 7:
			id, h, err := lookupEntry(f)
			if err != nil {
				return err
			}
			if f.num == 6 {
				sd.RouteHashLookup[id] = model.RouteHash(h)
			} else {
				sd.StationHashLookup[id] = model.StationHash(h)
			}
		case 8:
			times := make(map[model.StationHash]model.TransferTime)
			k, err := messageEntry(f, func(raw []byte) error {
				return walk(raw, func(tf field) error {
					if tf.num != 1 {
						return nil
					}
					to, v, err := scalarEntry(tf)
					times[model.StationHash(to)] = model.TransferTime(int32(v))
					return err
				})
			})
			if err != nil {
				return err
			}
			sd.Transfers[model.StationHash(k)] = times
		case 9:
			t := &model.Trip{Arrivals: make(map[model.StationHash]model.ArrivalTime)}
			k, err := messageEntry(f, func(raw []byte) error { return decodeTripInfo(raw, t) })
			if err != nil {
				return err
			}
			t.ID = model.TripHash(k)
			rd.Trips[t.ID] = t
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	rd.StaticData = *sd
	return rd, nil
}

// messageEntry decodes a map<uint32, Message> entry, handing the value
// bytes to val.
func messageEntry(f field, val func([]byte) error) (uint32, error) {
	if err := f.want(protowire.BytesType); err != nil {
		return 0, err
	}
	var k uint64
	err := entry(f.raw, varintKey(&k), func(v field) error {
		if err := v.want(protowire.BytesType); err != nil {
			return err
		}
		return val(v.raw)
	})
	return uint32(k), err
}

// scalarEntry decodes a map entry with varint key and value.
func scalarEntry(f field) (k, v uint64, err error) {
	if err = f.want(protowire.BytesType); err != nil {
		return 0, 0, err
	}
	err = entry(f.raw, varintKey(&k), varintKey(&v))
	return k, v, err
}

func lookupEntry(f field) (string, uint32, error) {
	if err := f.want(protowire.BytesType); err != nil {
		return "", 0, err
	}
	var id string
	var h uint64
	err := entry(f.raw, stringKey(&id), varintKey(&h))
	return id, uint32(h), err
}

func decodeRouteInfo(b []byte, r *model.RouteInfo) error {
	return walk(b, func(f field) error {
		switch f.num {
		case 1:
			if err := f.want(protowire.BytesType); err != nil {
				return err
			}
			r.Desc = string(f.raw)
		case 2:
			if err := f.want(protowire.VarintType); err != nil {
				return err
			}
			r.Color = uint32(f.v)
		case 3:
			if err := f.want(protowire.VarintType); err != nil {
				return err
			}
			r.TextColor = uint32(f.v)
		case 4:
			vs, err := uint32s(f, nil)
			if err != nil {
				return err
			}
			for _, v := range vs {
				r.Stations = append(r.Stations, model.StationHash(v))
			}
		}
		return nil
	})
}

func decodeStation(b []byte, st *model.Station) error {
	return walk(b, func(f field) error {
		switch f.num {
		case 1, 5, 6, 7, 8:
			if err := f.want(protowire.BytesType); err != nil {
				return err
			}
			s := string(f.raw)
			switch f.num {
			case 1:
				st.Name = s
			case 5:
				st.Borough = s
			case 6:
				st.Complex = s
			case 7:
				st.NorthLabel = s
			case 8:
				st.SouthLabel = s
			}
		case 2, 3:
			if err := f.want(protowire.Fixed32Type); err != nil {
				return err
			}
			v := math.Float32frombits(uint32(f.v))
			if f.num == 2 {
				st.Lat = v
			} else {
				st.Lon = v
			}
		case 4:
			to, v, err := scalarEntry(f)
			if err != nil {
				return err
			}
			st.TravelTimes[model.StationHash(to)] = model.TravelTime(int32(v))
		}
		return nil
	})
}

func decodeBranch(b []byte, br *model.Branch) error {
	return walk(b, func(f field) error {
		if f.num != 1 && f.num != 2 {
			return nil
		}
		if err := f.want(protowire.VarintType); err != nil {
			return err
		}
		if f.num == 1 {
			br.Route = model.RouteHash(f.v)
		} else {
			br.FinalStation = model.StationHash(f.v)
		}
		return nil
	})
}

func decodeTripInfo(b []byte, t *model.Trip) error {
	return walk(b, func(f field) error {
		switch f.num {
		case 1:
			if err := f.want(protowire.BytesType); err != nil {
				return err
			}
			return decodeBranch(f.raw, &t.Branch)
		case 2:
			if err := f.want(protowire.VarintType); err != nil {
				return err
			}
			t.Status = model.TripStatus(int32(f.v))
		case 3:
			if err := f.want(protowire.VarintType); err != nil {
				return err
			}
			t.Timestamp = int64(f.v)
		case 4:
			s, v, err := scalarEntry(f)
			if err != nil {
				return err
			}
			t.Arrivals[model.StationHash(s)] = model.ArrivalTime(int64(v))
		}
		return nil
	})
}
