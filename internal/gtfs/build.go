package gtfs

import (
	"archive/zip"
	"cmp"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"transitdata/internal/hashing"
	"transitdata/internal/model"
)

const (
	defaultRouteColor     = "D3D3D3"
	defaultRouteTextColor = "000000"
)

var boroughs = map[string]string{
	"M":  "Manhattan",
	"Bk": "Brooklyn",
	"Q":  "Queens",
	"Bx": "Bronx",
	"SI": "Staten Island",
}

// BuildOptions controls how a parsed feed becomes StaticData.
type BuildOptions struct {
	Name         string
	RouteAliases map[string]string // raw route_id -> published route_id
	Stations     []StationRow      // optional label source
	Now          time.Time         // becomes static_timestamp
}

// Build turns a parsed feed plus the stop_times.txt in zipPath into the
// static tables. Two distinct IDs of one kind hashing equal is an error.
func Build(feed *Feed, zipPath string, opts BuildOptions, logger *slog.Logger) (*model.StaticData, error) {
	b := &builder{
		sd:     model.NewStaticData(opts.Name),
		reg:    hashing.NewRegistry(),
		opts:   opts,
		logger: logger,
	}

	if err := b.stations(feed.Stops); err != nil {
		return nil, err
	}
	if err := b.routes(feed.Routes); err != nil {
		return nil, err
	}
	if err := b.stopTimes(feed.Trips, zipPath); err != nil {
		return nil, err
	}
	b.transfers(feed.Transfers)
	b.labels(opts.Stations)
	b.sd.StaticTimestamp = opts.Now.Unix()

	logger.Info("static data built",
		"name", b.sd.Name,
		"routes", len(b.sd.Routes),
		"stations", len(b.sd.Stations),
		"stop_ids", len(b.sd.StationHashLookup),
		"transfers", len(b.sd.Transfers),
	)
	return b.sd, nil
}

type builder struct {
	sd     *model.StaticData
	reg    *hashing.Registry
	opts   BuildOptions
	logger *slog.Logger
}

// stations creates a Station for every stop without a parent and maps every
// stop_id onto its parent's hash. A parent referenced only by its children
// is created from the first child seen.
func (b *builder) stations(stops []Stop) error {
	var children []Stop
	for _, s := range stops {
		if strings.TrimSpace(s.ParentStation) != "" {
			children = append(children, s)
			continue
		}
		h, err := hashing.Register[hashing.StationHash](b.reg, s.StopID)
		if err != nil {
			return fmt.Errorf("build stations: %w", err)
		}
		b.sd.Stations[h] = newStation(h, s)
		b.sd.StationHashLookup[s.StopID] = h
	}

	for _, s := range children {
		parent := strings.TrimSpace(s.ParentStation)
		h, err := hashing.Register[hashing.StationHash](b.reg, parent)
		if err != nil {
			return fmt.Errorf("build stations: %w", err)
		}
		if _, ok := b.sd.Stations[h]; !ok {
			b.logger.Warn("parent station missing from stops, using child", "stop_id", s.StopID, "parent", parent)
			b.sd.Stations[h] = newStation(h, s)
			b.sd.StationHashLookup[parent] = h
		}
		b.sd.StationHashLookup[s.StopID] = h
	}
	return nil
}

func newStation(h model.StationHash, s Stop) model.Station {
	lat, _ := strconv.ParseFloat(strings.TrimSpace(s.StopLat), 32)
	lon, _ := strconv.ParseFloat(strings.TrimSpace(s.StopLon), 32)
	return model.Station{
		ID:          h,
		Name:        s.StopName,
		Lat:         float32(lat),
		Lon:         float32(lon),
		TravelTimes: make(map[model.StationHash]model.TravelTime),
	}
}

func (b *builder) alias(routeID string) string {
	if a, ok := b.opts.RouteAliases[routeID]; ok {
		return a
	}
	return routeID
}

func (b *builder) routes(routes []Route) error {
	for _, r := range routes {
		id := b.alias(r.RouteID)
		h, err := hashing.Register[hashing.RouteHash](b.reg, id)
		if err != nil {
			return fmt.Errorf("build routes: %w", err)
		}
		b.sd.RouteHashLookup[r.RouteID] = h
		b.sd.RouteHashLookup[id] = h
		if _, ok := b.sd.Routes[h]; ok {
			continue
		}

		desc := r.RouteDesc
		if desc == "" {
			desc = r.RouteLongName
		}
		b.sd.Routes[h] = model.RouteInfo{
			Desc:      desc,
			Color:     parseColor(r.RouteColor, defaultRouteColor),
			TextColor: parseColor(r.RouteTextColor, defaultRouteTextColor),
		}
	}
	return nil
}

// parseColor reads a hex RGB string, using fallback when it is blank or invalid.
func parseColor(s, fallback string) uint32 {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	if s == "" {
		s = fallback
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil || v > 0xFFFFFF {
		v, _ = strconv.ParseUint(fallback, 16, 32)
	}
	return uint32(v)
}

type stopEvent struct {
	seq       int
	station   model.StationHash
	arrival   int32
	departure int32
}

// stopTimes streams stop_times.txt once, grouping rows by trip, then derives
// the ordered station list of every route and the travel time between
// adjacent stations.
func (b *builder) stopTimes(trips []Trip, zipPath string) error {
	tripRoute := make(map[string]model.RouteHash, len(trips))
	for _, t := range trips {
		if h, ok := b.sd.RouteHashLookup[t.RouteID]; ok {
			tripRoute[t.TripID] = h
		}
	}

	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return fmt.Errorf("open zip for stop_times: %w", err)
	}
	defer r.Close()

	var stopTimesFile *zip.File
	for _, f := range r.File {
		if f.Name == "stop_times.txt" {
			stopTimesFile = f
			break
		}
	}
	if stopTimesFile == nil {
		return fmt.Errorf("stop_times.txt not found in zip")
	}

	streamer, err := OpenCSVStream[StopTime](stopTimesFile)
	if err != nil {
		return fmt.Errorf("open stop_times stream: %w", err)
	}
	defer streamer.Close()

	events := make(map[string][]stopEvent)
	count, skipped := 0, 0
	for {
		st, err := streamer.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read stop_time row %d: %w", count, err)
		}
		count++

		station, ok := b.sd.StationHashLookup[st.StopID]
		if !ok {
			skipped++
			continue
		}
		seq, err := strconv.Atoi(strings.TrimSpace(st.StopSequence))
		if err != nil {
			skipped++
			continue
		}
		events[st.TripID] = append(events[st.TripID], stopEvent{
			seq:       seq,
			station:   station,
			arrival:   parseGTFSTime(st.ArrivalTime),
			departure: parseGTFSTime(st.DepartureTime),
		})
	}
	if skipped > 0 {
		b.logger.Warn("stop_times rows skipped", "skipped", skipped, "total", count)
	}

	routeSeq := make(map[model.RouteHash]map[model.StationHash]int)
	for tripID, evs := range events {
		slices.SortFunc(evs, func(a, c stopEvent) int { return cmp.Compare(a.seq, c.seq) })

		if route, ok := tripRoute[tripID]; ok {
			seqs, ok := routeSeq[route]
			if !ok {
				seqs = make(map[model.StationHash]int)
				routeSeq[route] = seqs
			}
			for _, ev := range evs {
				if prev, seen := seqs[ev.station]; !seen || ev.seq < prev {
					seqs[ev.station] = ev.seq
				}
			}
		}

		for i := 1; i < len(evs); i++ {
			from, to := evs[i-1], evs[i]
			if from.station == to.station || from.departure < 0 || to.arrival < 0 {
				continue
			}
			tt := model.TravelTime(to.arrival - from.departure)
			if tt <= 0 {
				continue
			}
			times := b.sd.Stations[from.station].TravelTimes
			if prev, ok := times[to.station]; !ok || tt < prev {
				times[to.station] = tt
			}
		}
	}

	for route, seqs := range routeSeq {
		info, ok := b.sd.Routes[route]
		if !ok {
			continue
		}
		stations := make([]model.StationHash, 0, len(seqs))
		for s := range seqs {
			stations = append(stations, s)
		}
		slices.SortFunc(stations, func(a, c model.StationHash) int {
			if d := cmp.Compare(seqs[a], seqs[c]); d != 0 {
				return d
			}
			return cmp.Compare(a, c)
		})
		info.Stations = stations
		b.sd.Routes[route] = info
	}
	return nil
}

// parseGTFSTime converts "HH:MM:SS" (hours may exceed 24) to seconds past
// midnight, or -1 if the value is blank or malformed.
func parseGTFSTime(s string) int32 {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 3 {
		return -1
	}
	var secs int32
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return -1
		}
		secs = secs*60 + int32(n)
	}
	return secs
}

// transfers records the minimum transfer time between stations. Only
// transfer_type 2 (minimum time required) carries a usable time.
func (b *builder) transfers(transfers []Transfer) {
	skipped := 0
	for _, t := range transfers {
		if strings.TrimSpace(t.TransferType) != "2" {
			skipped++
			continue
		}
		from, okFrom := b.sd.StationHashLookup[t.FromStopID]
		to, okTo := b.sd.StationHashLookup[t.ToStopID]
		secs, err := strconv.Atoi(strings.TrimSpace(t.MinTransferTime))
		if !okFrom || !okTo || err != nil {
			skipped++
			continue
		}
		times, ok := b.sd.Transfers[from]
		if !ok {
			times = make(map[model.StationHash]model.TransferTime)
			b.sd.Transfers[from] = times
		}
		times[to] = model.TransferTime(secs)
	}
	if skipped > 0 {
		b.logger.Debug("transfers skipped", "skipped", skipped, "total", len(transfers))
	}
}

// labels copies borough, complex and direction labels onto stations. A row
// may name a parent station or any of its child stops.
func (b *builder) labels(rows []StationRow) {
	for _, row := range rows {
		h, ok := b.sd.StationHashLookup[strings.TrimSpace(row.GTFSStopID)]
		st, found := b.sd.Stations[h]
		if !ok || !found {
			b.logger.Warn("station list references unknown stop", "stop_id", row.GTFSStopID)
			continue
		}
		borough := strings.TrimSpace(row.Borough)
		if full, ok := boroughs[borough]; ok {
			borough = full
		}
		st.Borough = borough
		st.NorthLabel = row.NorthLabel
		st.SouthLabel = row.SouthLabel
		if row.ComplexID != row.StationID {
			st.Complex = row.ComplexID
		}
		b.sd.Stations[h] = st
	}
}
