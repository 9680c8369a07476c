package realtime

import (
	"log/slog"
	"time"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"

	"transitdata/internal/hashing"
	"transitdata/internal/model"
)

// A vehicle whose last report is older than this is considered stopped.
const stoppedAfter = 90 * time.Second

// Project builds the snapshot for now from a merged feed and the current
// static tables. Trip updates are applied before vehicle positions, so a
// trip gets both regardless of entity order. Entities that cannot be placed
// (unknown route, unresolvable final stop) are skipped.
func Project(feed *gtfs.FeedMessage, sd *model.StaticData, now time.Time, logger *slog.Logger) *model.RealtimeData {
	p := &projector{
		rd:     model.NewRealtimeData(sd, now.Unix()),
		ids:    make(map[model.TripHash]string),
		now:    now.Unix(),
		logger: logger,
	}

	for _, e := range feed.GetEntity() {
		if tu := e.GetTripUpdate(); tu != nil {
			p.tripUpdate(tu)
		}
	}
	for _, e := range feed.GetEntity() {
		if v := e.GetVehicle(); v != nil {
			p.vehicle(v)
		}
	}

	if p.skippedStops > 0 {
		logger.Debug("stop updates skipped for unknown stop_id", "count", p.skippedStops)
	}
	return p.rd
}

type projector struct {
	rd     *model.RealtimeData
	ids    map[model.TripHash]string // hash -> trip_id, for collision detection
	now    int64
	logger *slog.Logger

	skippedStops int
}

// trip returns the Trip for desc, creating it from the final stop of
// updates if needed. It returns nil when the entity must be skipped.
func (p *projector) trip(desc *gtfs.TripDescriptor, updates []*gtfs.TripUpdate_StopTimeUpdate) *model.Trip {
	tripID := desc.GetTripId()
	h := hashing.Trip(tripID)

	if prev, ok := p.ids[h]; ok {
		if prev != tripID {
			p.logger.Error("trip hash collision, skipping entity", "trip_id", tripID, "other", prev, "hash", h)
			return nil
		}
		return p.rd.Trips[h]
	}

	if len(updates) == 0 {
		return nil
	}
	route, ok := p.rd.RouteHashLookup[desc.GetRouteId()]
	if !ok {
		p.logger.Debug("unknown route, skipping trip", "route_id", desc.GetRouteId(), "trip_id", tripID)
		return nil
	}
	lastStop := updates[len(updates)-1].GetStopId()
	final, ok := p.rd.StationHashLookup[lastStop]
	if !ok {
		p.logger.Debug("unknown final stop, skipping trip", "stop_id", lastStop, "trip_id", tripID)
		return nil
	}

	t := model.NewTrip(h, model.Branch{Route: route, FinalStation: final})
	p.rd.Trips[h] = t
	p.ids[h] = tripID
	return t
}

func (p *projector) tripUpdate(tu *gtfs.TripUpdate) {
	updates := tu.GetStopTimeUpdate()
	t := p.trip(tu.GetTrip(), updates)
	if t == nil {
		return
	}
	for _, stu := range updates {
		station, ok := p.rd.StationHashLookup[stu.GetStopId()]
		if !ok {
			p.skippedStops++
			continue
		}
		arrival := stu.GetArrival().GetTime()
		if arrival <= p.now {
			continue
		}
		t.Arrivals[station] = model.ArrivalTime(arrival)
	}
}

func (p *projector) vehicle(v *gtfs.VehiclePosition) {
	t := p.trip(v.GetTrip(), nil)
	if t == nil {
		return
	}
	ts := int64(v.GetTimestamp())
	t.Timestamp = ts
	if p.now-ts > int64(stoppedAfter/time.Second) {
		t.Status = model.StatusStopped
	}
}
