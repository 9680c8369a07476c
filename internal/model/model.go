// Package model defines the snapshot entities shared by the static loader,
// the realtime pipeline and the wire codec.
package model

import (
	"encoding/json"
	"fmt"

	"transitdata/internal/hashing"
)

type (
	StationHash = hashing.StationHash
	RouteHash   = hashing.RouteHash
	TripHash    = hashing.TripHash
)

// ArrivalTime is a POSIX timestamp in seconds.
type ArrivalTime int64

// TravelTime is the scheduled seconds between two adjacent stations.
type TravelTime int32

// TransferTime is the minimum seconds needed to transfer between two stations.
type TransferTime int32

// TimeDiff is a signed shift of an arrival, in seconds.
type TimeDiff int64

// TripStatus values match the wire enum.
type TripStatus int32

const (
	StatusStopped TripStatus = iota
	StatusDelayed
	StatusOnTime
)

func (s TripStatus) String() string {
	switch s {
	case StatusStopped:
		return "STOPPED"
	case StatusDelayed:
		return "DELAYED"
	case StatusOnTime:
		return "ON_TIME"
	default:
		return fmt.Sprintf("TripStatus(%d)", int32(s))
	}
}

// RouteInfo describes one route. Colors are packed 24-bit RGB.
type RouteInfo struct {
	Desc      string        `json:"desc"`
	Color     uint32        `json:"color"`
	TextColor uint32        `json:"text_color"`
	Stations  []StationHash `json:"stations"`
}

// Station is a parent station (or a stop without a parent).
type Station struct {
	ID          StationHash                `json:"id"`
	Name        string                     `json:"name"`
	Lat         float32                    `json:"lat"`
	Lon         float32                    `json:"lon"`
	Borough     string                     `json:"borough,omitempty"`
	Complex     string                     `json:"complex,omitempty"`
	NorthLabel  string                     `json:"n_label,omitempty"`
	SouthLabel  string                     `json:"s_label,omitempty"`
	TravelTimes map[StationHash]TravelTime `json:"travel_times"`
}

// Branch is a directional service pattern within a route.
type Branch struct {
	Route        RouteHash   `json:"route"`
	FinalStation StationHash `json:"final_station"`
}

// Trip is one in-progress run. Timestamp is zero when no vehicle update was seen.
type Trip struct {
	ID        TripHash                    `json:"id"`
	Branch    Branch                      `json:"branch"`
	Arrivals  map[StationHash]ArrivalTime `json:"arrivals"`
	Status    TripStatus                  `json:"status"`
	Timestamp int64                       `json:"timestamp,omitempty"`
}

// NewTrip returns an ON_TIME trip with an empty arrivals map.
func NewTrip(id TripHash, branch Branch) *Trip {
	return &Trip{
		ID:       id,
		Branch:   branch,
		Arrivals: make(map[StationHash]ArrivalTime),
		Status:   StatusOnTime,
	}
}

// Clone returns a deep copy of t.
func (t *Trip) Clone() *Trip {
	c := *t
	c.Arrivals = make(map[StationHash]ArrivalTime, len(t.Arrivals))
	for s, at := range t.Arrivals {
		c.Arrivals[s] = at
	}
	return &c
}

// StaticData holds the entity tables produced by the static loader. It is
// replaced wholesale on refresh and never mutated after construction.
type StaticData struct {
	Name              string                                      `json:"name"`
	StaticTimestamp   int64                                       `json:"static_timestamp"`
	Routes            map[RouteHash]RouteInfo                     `json:"routes"`
	Stations          map[StationHash]Station                     `json:"stations"`
	RouteHashLookup   map[string]RouteHash                        `json:"routehash_lookup"`
	StationHashLookup map[string]StationHash                      `json:"stationhash_lookup"`
	Transfers         map[StationHash]map[StationHash]TransferTime `json:"transfers"`
}

// NewStaticData returns a StaticData with every table initialized.
func NewStaticData(name string) *StaticData {
	return &StaticData{
		Name:              name,
		Routes:            make(map[RouteHash]RouteInfo),
		Stations:          make(map[StationHash]Station),
		RouteHashLookup:   make(map[string]RouteHash),
		StationHashLookup: make(map[string]StationHash),
		Transfers:         make(map[StationHash]map[StationHash]TransferTime),
	}
}

// RealtimeData is one snapshot: the static tables plus the projected trips.
// The static tables are shared with the StaticData it was built from.
type RealtimeData struct {
	StaticData
	RealtimeTimestamp int64              `json:"realtime_timestamp"`
	Trips             map[TripHash]*Trip `json:"trips"`
}

// NewRealtimeData shallow-copies the static tables of sd.
func NewRealtimeData(sd *StaticData, ts int64) *RealtimeData {
	return &RealtimeData{
		StaticData:        *sd,
		RealtimeTimestamp: ts,
		Trips:             make(map[TripHash]*Trip),
	}
}

const staticTypeTag = "StaticData"

type staticEnvelope struct {
	Type  string          `json:"_type"`
	Value json.RawMessage `json:"value"`
}

// MarshalStatic encodes sd in the tagged JSON form used for static.json and
// the store.
func MarshalStatic(sd *StaticData) ([]byte, error) {
	v, err := json.Marshal(sd)
	if err != nil {
		return nil, fmt.Errorf("marshal static data: %w", err)
	}
	return json.Marshal(staticEnvelope{Type: staticTypeTag, Value: v})
}

// UnmarshalStatic is the inverse of MarshalStatic. Missing tables come back
// as empty maps.
func UnmarshalStatic(data []byte) (*StaticData, error) {
	var env staticEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode static envelope: %w", err)
	}
	if env.Type != staticTypeTag {
		return nil, fmt.Errorf("decode static envelope: unexpected _type %q", env.Type)
	}

	sd := NewStaticData("")
	if err := json.Unmarshal(env.Value, sd); err != nil {
		return nil, fmt.Errorf("decode static data: %w", err)
	}
	sd.ensureTables()
	return sd, nil
}

// ensureTables replaces nil tables (e.g. a JSON null) with empty ones.
func (sd *StaticData) ensureTables() {
	if sd.Routes == nil {
		sd.Routes = make(map[RouteHash]RouteInfo)
	}
	if sd.Stations == nil {
		sd.Stations = make(map[StationHash]Station)
	}
	if sd.RouteHashLookup == nil {
		sd.RouteHashLookup = make(map[string]RouteHash)
	}
	if sd.StationHashLookup == nil {
		sd.StationHashLookup = make(map[string]StationHash)
	}
	if sd.Transfers == nil {
		sd.Transfers = make(map[StationHash]map[StationHash]TransferTime)
	}
	for h, st := range sd.Stations {
		if st.TravelTimes == nil {
			st.TravelTimes = make(map[StationHash]TravelTime)
			sd.Stations[h] = st
		}
	}
}
