package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transitdata/internal/hashing"
)

var (
	s1 = hashing.Station("S1")
	s2 = hashing.Station("S2")
	s3 = hashing.Station("S3")
	r1 = hashing.Route("R1")
	t1 = hashing.Trip("T1")
	t2 = hashing.Trip("T2")
)

func snapshot(ts int64, trips ...*Trip) *RealtimeData {
	rd := NewRealtimeData(NewStaticData("test"), ts)
	for _, t := range trips {
		rd.Trips[t.ID] = t
	}
	return rd
}

func trip(id TripHash, arrivals map[StationHash]ArrivalTime) *Trip {
	t := NewTrip(id, Branch{Route: r1, FinalStation: s3})
	for s, at := range arrivals {
		t.Arrivals[s] = at
	}
	return t
}

func TestDiff_Identity(t *testing.T) {
	s := snapshot(100, trip(t1, map[StationHash]ArrivalTime{s1: 200, s2: 300}))

	d := Diff(s, s)
	assert.True(t, d.Empty(), "Diff(s, s) should be empty, got %+v", d)
	assert.Equal(t, int64(100), d.RealtimeTimestamp)
}

func TestDiff_UniformShift(t *testing.T) {
	a := snapshot(100, trip(t1, map[StationHash]ArrivalTime{s1: 100, s2: 200}))
	b := snapshot(115, trip(t1, map[StationHash]ArrivalTime{s1: 130, s2: 230}))

	d := Diff(a, b)

	want := []StationHash{s1, s2}
	if s2 < s1 {
		want = []StationHash{s2, s1}
	}
	assert.Equal(t, map[TimeDiff]map[TripHash][]StationHash{30: {t1: want}}, d.Arrivals.Modified)
	assert.Empty(t, d.Trips.Added)
	assert.Empty(t, d.Trips.Deleted)
	assert.Empty(t, d.Arrivals.Added)
	assert.Empty(t, d.Arrivals.Deleted)
	assert.Empty(t, d.Status)
	assert.Empty(t, d.Branch)
	assert.Equal(t, int64(115), d.RealtimeTimestamp)
}

func TestDiff_DeletedTripOnlyInTripsDeleted(t *testing.T) {
	a := snapshot(100,
		trip(t1, map[StationHash]ArrivalTime{s1: 200}),
		trip(t2, map[StationHash]ArrivalTime{s2: 300}),
	)
	b := snapshot(115, trip(t1, map[StationHash]ArrivalTime{s1: 200}))

	d := Diff(a, b)
	assert.Equal(t, []TripHash{t2}, d.Trips.Deleted)
	assert.Empty(t, d.Trips.Added)
	assert.NotContains(t, d.Arrivals.Deleted, t2)
	assert.NotContains(t, d.Arrivals.Added, t2)
	assert.Empty(t, d.Arrivals.Modified)
	assert.NotContains(t, d.Status, t2)
	assert.NotContains(t, d.Branch, t2)
}

func TestDiff_Mixed(t *testing.T) {
	a := snapshot(100, trip(t1, map[StationHash]ArrivalTime{s1: 100, s2: 200}))

	nt := trip(t1, map[StationHash]ArrivalTime{s2: 190, s3: 400})
	nt.Status = StatusStopped
	nt.Branch = Branch{Route: r1, FinalStation: s2}
	added := trip(t2, map[StationHash]ArrivalTime{s1: 500})
	b := snapshot(115, nt, added)

	d := Diff(a, b)
	assert.Equal(t, []*Trip{added}, d.Trips.Added)
	assert.Equal(t, map[TripHash][]StationHash{t1: {s1}}, d.Arrivals.Deleted)
	assert.Equal(t, map[TripHash]map[StationHash]ArrivalTime{t1: {s3: 400}}, d.Arrivals.Added)
	assert.Equal(t, map[TimeDiff]map[TripHash][]StationHash{-10: {t1: {s2}}}, d.Arrivals.Modified)
	assert.Equal(t, map[TripHash]TripStatus{t1: StatusStopped}, d.Status)
	assert.Equal(t, map[TripHash]Branch{t1: {Route: r1, FinalStation: s2}}, d.Branch)
	assert.Empty(t, d.Timestamp)
}

func TestDiff_VehicleTimestamp(t *testing.T) {
	reported := trip(t1, map[StationHash]ArrivalTime{s1: 200})
	reported.Timestamp = 90
	unseen := trip(t2, map[StationHash]ArrivalTime{s2: 300})
	unseen.Timestamp = 80
	a := snapshot(100, reported, unseen)

	again := reported.Clone()
	again.Timestamp = 105
	lost := unseen.Clone()
	lost.Timestamp = 0
	b := snapshot(115, again, lost)

	d := Diff(a, b)
	assert.Equal(t, map[TripHash]int64{t1: 105, t2: 0}, d.Timestamp)
	assert.False(t, d.Empty())

	got, err := Apply(a, d)
	require.NoError(t, err)
	assert.Equal(t, b.Trips, got.Trips)
	assert.Equal(t, int64(90), a.Trips[t1].Timestamp)
}

func TestApply_RoundTrip(t *testing.T) {
	a := snapshot(100,
		trip(t1, map[StationHash]ArrivalTime{s1: 100, s2: 200, s3: 300}),
		trip(t2, map[StationHash]ArrivalTime{s2: 250}),
	)

	a.Trips[t1].Timestamp = 90
	nt := trip(t1, map[StationHash]ArrivalTime{s2: 260, s3: 360})
	nt.Status = StatusDelayed
	nt.Timestamp = 110
	t3 := trip(hashing.Trip("T3"), map[StationHash]ArrivalTime{s1: 700})
	b := snapshot(115, nt, t3)

	got, err := Apply(a, Diff(a, b))
	require.NoError(t, err)
	assert.Equal(t, b.RealtimeTimestamp, got.RealtimeTimestamp)
	assert.Equal(t, b.Trips, got.Trips)

	// old snapshot is untouched
	assert.Equal(t, ArrivalTime(100), a.Trips[t1].Arrivals[s1])
	assert.Contains(t, a.Trips, t2)
}

func TestApply_UnknownTrip(t *testing.T) {
	a := snapshot(100)
	d := NewDataDiff(115)
	d.Status[t1] = StatusStopped

	_, err := Apply(a, d)
	assert.Error(t, err)

	d = NewDataDiff(115)
	d.Timestamp[t1] = 110
	_, err = Apply(a, d)
	assert.Error(t, err)
}

func TestStaticJSON_RoundTrip(t *testing.T) {
	sd := NewStaticData("subway")
	sd.StaticTimestamp = 1700000000
	sd.Routes[r1] = RouteInfo{Desc: "Broadway Local", Color: 0xEE352E, TextColor: 0xFFFFFF, Stations: []StationHash{s1, s2}}
	sd.Stations[s1] = Station{ID: s1, Name: "One", Lat: 40.5, Lon: -73.9, Borough: "Manhattan",
		TravelTimes: map[StationHash]TravelTime{s2: 90}}
	sd.Stations[s2] = Station{ID: s2, Name: "Two", TravelTimes: map[StationHash]TravelTime{}}
	sd.RouteHashLookup["R1"] = r1
	sd.StationHashLookup["S1N"] = s1
	sd.Transfers[s1] = map[StationHash]TransferTime{s2: 180}

	data, err := MarshalStatic(sd)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"_type":"StaticData"`)

	got, err := UnmarshalStatic(data)
	require.NoError(t, err)
	assert.Equal(t, sd, got)
}

func TestUnmarshalStatic_Errors(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"not json", "{"},
		{"wrong type", `{"_type":"RouteInfo","value":{}}`},
		{"bad value", `{"_type":"StaticData","value":[]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := UnmarshalStatic([]byte(tt.in)); err == nil {
				t.Errorf("UnmarshalStatic(%s) should fail", tt.in)
			}
		})
	}
}

func TestUnmarshalStatic_NullTables(t *testing.T) {
	sd, err := UnmarshalStatic([]byte(`{"_type":"StaticData","value":{"name":"x","routes":null}}`))
	require.NoError(t, err)
	assert.NotNil(t, sd.Routes)
	assert.NotNil(t, sd.Transfers)
}
