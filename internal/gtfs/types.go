package gtfs

// Feed holds the parsed GTFS tables the static build needs. stop_times.txt
// is streamed from the zip during the build instead of being held here.
type Feed struct {
	Routes    []Route
	Stops     []Stop
	Trips     []Trip
	Transfers []Transfer
}

type Route struct {
	RouteID        string `csv:"route_id"`
	AgencyID       string `csv:"agency_id"`
	RouteShortName string `csv:"route_short_name"`
	RouteLongName  string `csv:"route_long_name"`
	RouteDesc      string `csv:"route_desc"`
	RouteType      string `csv:"route_type"`
	RouteColor     string `csv:"route_color"`
	RouteTextColor string `csv:"route_text_color"`
}

type Stop struct {
	StopID        string `csv:"stop_id"`
	StopName      string `csv:"stop_name"`
	StopLat       string `csv:"stop_lat"`
	StopLon       string `csv:"stop_lon"`
	LocationType  string `csv:"location_type"`
	ParentStation string `csv:"parent_station"`
}

type Trip struct {
	TripID       string `csv:"trip_id"`
	RouteID      string `csv:"route_id"`
	ServiceID    string `csv:"service_id"`
	TripHeadsign string `csv:"trip_headsign"`
	DirectionID  string `csv:"direction_id"`
}

type StopTime struct {
	TripID        string `csv:"trip_id"`
	ArrivalTime   string `csv:"arrival_time"`
	DepartureTime string `csv:"departure_time"`
	StopID        string `csv:"stop_id"`
	StopSequence  string `csv:"stop_sequence"`
}

type Transfer struct {
	FromStopID      string `csv:"from_stop_id"`
	ToStopID        string `csv:"to_stop_id"`
	TransferType    string `csv:"transfer_type"`
	MinTransferTime string `csv:"min_transfer_time"`
}

// StationRow is one line of the agency's station list, which carries the
// borough, complex and platform direction labels GTFS lacks.
type StationRow struct {
	StationID  string `csv:"Station ID"`
	ComplexID  string `csv:"Complex ID"`
	GTFSStopID string `csv:"GTFS Stop ID"`
	StopName   string `csv:"Stop Name"`
	Borough    string `csv:"Borough"`
	NorthLabel string `csv:"North Direction Label"`
	SouthLabel string `csv:"South Direction Label"`
}
