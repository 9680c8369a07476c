package realtime

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"

	"transitdata/internal/hashing"
	"transitdata/internal/model"
)

var testNow = time.Unix(1700000000, 0)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testStatic has route "1" (raw "GS" aliased to "S") and three stations.
func testStatic() *model.StaticData {
	sd := model.NewStaticData("test")
	sd.StaticTimestamp = testNow.Unix() - 3600
	for _, r := range []string{"1", "S"} {
		h := hashing.Route(r)
		sd.Routes[h] = model.RouteInfo{Desc: r}
		sd.RouteHashLookup[r] = h
	}
	sd.RouteHashLookup["GS"] = hashing.Route("S")
	for _, s := range []string{"101", "102", "103"} {
		h := hashing.Station(s)
		sd.Stations[h] = model.Station{ID: h, Name: s, TravelTimes: map[model.StationHash]model.TravelTime{}}
		sd.StationHashLookup[s] = h
		sd.StationHashLookup[s+"N"] = h
		sd.StationHashLookup[s+"S"] = h
	}
	return sd
}

type staticFunc func() *model.StaticData

func (f staticFunc) Current() *model.StaticData { return f() }

type stop struct {
	id string
	at int64
}

func tripUpdate(tripID, routeID string, stops ...stop) *gtfs.FeedEntity {
	tu := &gtfs.TripUpdate{Trip: &gtfs.TripDescriptor{TripId: proto.String(tripID), RouteId: proto.String(routeID)}}
	for _, s := range stops {
		tu.StopTimeUpdate = append(tu.StopTimeUpdate, &gtfs.TripUpdate_StopTimeUpdate{
			StopId:  proto.String(s.id),
			Arrival: &gtfs.TripUpdate_StopTimeEvent{Time: proto.Int64(s.at)},
		})
	}
	return &gtfs.FeedEntity{Id: proto.String("tu-" + tripID), TripUpdate: tu}
}

func vehicle(tripID, routeID string, ts int64) *gtfs.FeedEntity {
	return &gtfs.FeedEntity{
		Id: proto.String("v-" + tripID),
		Vehicle: &gtfs.VehiclePosition{
			Trip:      &gtfs.TripDescriptor{TripId: proto.String(tripID), RouteId: proto.String(routeID)},
			Timestamp: proto.Uint64(uint64(ts)),
		},
	}
}

func feedMessage(ts uint64, entities ...*gtfs.FeedEntity) *gtfs.FeedMessage {
	return &gtfs.FeedMessage{
		Header: &gtfs.FeedHeader{GtfsRealtimeVersion: proto.String("2.0"), Timestamp: proto.Uint64(ts)},
		Entity: entities,
	}
}

func feedBytes(t *testing.T, ts uint64, entities ...*gtfs.FeedEntity) []byte {
	t.Helper()
	b, err := proto.Marshal(feedMessage(ts, entities...))
	if err != nil {
		t.Fatalf("marshal feed: %v", err)
	}
	return b
}

// endpoint is a fake GTFS-RT upstream whose response can be swapped.
type endpoint struct {
	mu     sync.Mutex
	body   []byte
	status int
	delay  time.Duration
	hits   int
	srv    *httptest.Server
}

func newEndpoint(t *testing.T, body []byte) *endpoint {
	t.Helper()
	e := &endpoint{body: body, status: http.StatusOK}
	e.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.mu.Lock()
		body, status, delay := e.body, e.status, e.delay
		e.hits++
		e.mu.Unlock()

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		w.WriteHeader(status)
		w.Write(body)
	}))
	t.Cleanup(e.srv.Close)
	return e
}

func (e *endpoint) set(body []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.body, e.status = body, http.StatusOK
}

func (e *endpoint) fail(status int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status = status
}

func (e *endpoint) slow(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.delay = d
}

func (e *endpoint) hitCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hits
}

type memCache struct {
	mu    sync.Mutex
	feeds map[string][]byte
}

func newMemCache() *memCache { return &memCache{feeds: make(map[string][]byte)} }

func (c *memCache) SaveFeed(_ context.Context, id string, raw []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.feeds[id] = raw
	return nil
}

func (c *memCache) LoadFeeds(context.Context) (map[string][]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string][]byte, len(c.feeds))
	for k, v := range c.feeds {
		out[k] = v
	}
	return out, nil
}

type recordingPublisher struct {
	payloads []*Payload
	err      error
}

func (p *recordingPublisher) PublishRealtime(_ context.Context, payload *Payload) error {
	if p.err != nil {
		return p.err
	}
	p.payloads = append(p.payloads, payload)
	return nil
}
