package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transitdata/internal/config"
	"transitdata/internal/hashing"
	"transitdata/internal/model"
	"transitdata/internal/wire"
)

type managerEnv struct {
	a, b   *endpoint
	cache  *memCache
	pub    *recordingPublisher
	status *Store
	now    time.Time
	m      *Manager
}

func newManagerEnv(t *testing.T, opts ManagerOptions) *managerEnv {
	t.Helper()
	env := &managerEnv{
		a:      newEndpoint(t, feedBytes(t, 1000)),
		b:      newEndpoint(t, feedBytes(t, 1001)),
		cache:  newMemCache(),
		pub:    &recordingPublisher{},
		status: NewStore(),
		now:    testNow,
	}
	opts.Endpoints = []config.Endpoint{{ID: "1", URL: env.a.srv.URL}, {ID: "2", URL: env.b.srv.URL}}
	opts.Timeout = time.Second
	opts.MaxAttempts = 1

	static := testStatic()
	env.m = NewManager(opts, staticFunc(func() *model.StaticData { return static }), env.cache, env.pub, env.status, testLogger())
	env.m.now = func() time.Time { return env.now }
	return env
}

func TestManager_TwoEndpointsBothNew(t *testing.T) {
	env := newManagerEnv(t, ManagerOptions{})
	now := testNow.Unix()
	env.a.set(feedBytes(t, 1000, tripUpdate("T1", "1", stop{"101N", now + 60})))
	env.b.set(feedBytes(t, 1001, vehicle("T1", "1", now-100)))

	require.NoError(t, env.m.Update(context.Background()))

	want := model.NewTrip(hashing.Trip("T1"), model.Branch{Route: hashing.Route("1"), FinalStation: hashing.Station("101")})
	want.Arrivals[hashing.Station("101")] = model.ArrivalTime(now + 60)
	want.Status = model.StatusStopped
	want.Timestamp = now - 100

	cur := env.m.Current()
	require.NotNil(t, cur)
	assert.Equal(t, map[model.TripHash]*model.Trip{want.ID: want}, cur.Trips)

	require.Len(t, env.pub.payloads, 1)
	p := env.pub.payloads[0]
	assert.Equal(t, now, p.Timestamp)
	assert.Empty(t, p.Diffs, "first cycle has nothing to diff against")
	full, err := wire.UnpackFull(p.Full)
	require.NoError(t, err)
	assert.Equal(t, cur.Trips, full.Trips)

	assert.Len(t, env.cache.feeds, 2, "new feeds are cached")
	h := env.status.Health()
	assert.Equal(t, 1, h.Cycles)
	assert.Equal(t, now, h.RealtimeTimestamp)
	require.Len(t, h.Feeds, 2)
	assert.Equal(t, "NEW_FEED", h.Feeds[0].Status)
}

func TestManager_NoNewFeeds(t *testing.T) {
	env := newManagerEnv(t, ManagerOptions{})
	ctx := context.Background()
	require.NoError(t, env.m.Update(ctx))
	first := env.m.Current()

	env.now = env.now.Add(15 * time.Second)
	err := env.m.Update(ctx)

	var ufe *UpdateFailedError
	require.ErrorAs(t, err, &ufe)
	assert.ErrorIs(t, err, ErrNoNewFeeds)
	assert.Len(t, env.pub.payloads, 1, "nothing published")
	assert.Equal(t, 1, env.m.ring.Len(), "nothing inserted")
	assert.Same(t, first, env.m.Current())

	h := env.status.Health()
	assert.Equal(t, 1, h.Failures)
	assert.Contains(t, h.LastError, "no new feeds")
}

func TestManager_PublishFailureLeavesStateIntact(t *testing.T) {
	env := newManagerEnv(t, ManagerOptions{})
	ctx := context.Background()
	require.NoError(t, env.m.Update(ctx))
	first := env.m.Current()

	storeDown := errors.New("store down")
	env.pub.err = storeDown
	env.now = env.now.Add(15 * time.Second)
	env.a.set(feedBytes(t, 1015))

	err := env.m.Update(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, storeDown)
	assert.Same(t, first, env.m.Current())
	assert.Equal(t, []int64{testNow.Unix()}, env.m.ring.Timestamps())
	assert.Equal(t, feedBytes(t, 1000), env.cache.feeds["1"], "failed cycle does not touch the feed cache")
}

func TestManager_RetryAfterPublishFailureReusesFeed(t *testing.T) {
	env := newManagerEnv(t, ManagerOptions{})
	ctx := context.Background()
	now := testNow.Unix()
	env.a.set(feedBytes(t, 1000, tripUpdate("T1", "1", stop{"101N", now + 60})))

	env.pub.err = errors.New("store down")
	require.Error(t, env.m.Update(ctx))
	assert.Nil(t, env.m.Current())
	assert.Empty(t, env.cache.feeds)

	// Upstream has not moved; the retry must still publish it.
	env.pub.err = nil
	env.now = env.now.Add(5 * time.Second)
	require.NoError(t, env.m.Update(ctx))

	require.Len(t, env.pub.payloads, 1)
	require.NotNil(t, env.m.Current())
	assert.Contains(t, env.m.Current().Trips, hashing.Trip("T1"))
	assert.Len(t, env.cache.feeds, 2)

	results := env.status.Health().Feeds
	assert.Equal(t, "NEW_FEED", results[0].Status)
	assert.Equal(t, "NEW_FEED", results[1].Status)
}

func TestManager_StaticNotLoaded(t *testing.T) {
	env := newManagerEnv(t, ManagerOptions{})
	env.m.static = staticFunc(func() *model.StaticData { return nil })

	err := env.m.Update(context.Background())
	var ufe *UpdateFailedError
	require.ErrorAs(t, err, &ufe)
	assert.Empty(t, env.pub.payloads)
}

func TestManager_DiffsAgainstRing(t *testing.T) {
	env := newManagerEnv(t, ManagerOptions{})
	ctx := context.Background()
	now := testNow.Unix()

	env.a.set(feedBytes(t, 1000, tripUpdate("T1", "1", stop{"101N", now + 60}, stop{"102N", now + 120})))
	require.NoError(t, env.m.Update(ctx))
	first := env.m.Current()

	env.now = env.now.Add(15 * time.Second)
	env.a.set(feedBytes(t, 1015,
		tripUpdate("T1", "1", stop{"101N", now + 90}, stop{"102N", now + 150}),
		tripUpdate("T2", "1", stop{"103N", now + 300}),
	))
	require.NoError(t, env.m.Update(ctx))
	second := env.m.Current()

	p := env.pub.payloads[1]
	require.Len(t, p.Diffs, 1)
	d, err := wire.UnpackUpdate(p.Diffs[now])
	require.NoError(t, err)
	assert.Equal(t, second.RealtimeTimestamp, d.RealtimeTimestamp)
	assert.Equal(t, map[model.TripHash][]model.StationHash{
		hashing.Trip("T1"): sortedStations(hashing.Station("101"), hashing.Station("102")),
	}, d.Arrivals.Modified[30])

	applied, err := model.Apply(first, d)
	require.NoError(t, err)
	assert.Equal(t, second.Trips, applied.Trips)
}

func TestManager_DiffCarriesVehicleTimestamp(t *testing.T) {
	env := newManagerEnv(t, ManagerOptions{})
	ctx := context.Background()
	now := testNow.Unix()

	env.a.set(feedBytes(t, 1000, tripUpdate("T1", "1", stop{"101N", now + 60})))
	env.b.set(feedBytes(t, 1001, vehicle("T1", "1", now-10)))
	require.NoError(t, env.m.Update(ctx))
	first := env.m.Current()

	env.now = env.now.Add(15 * time.Second)
	env.a.set(feedBytes(t, 1015, tripUpdate("T1", "1", stop{"101N", now + 60})))
	env.b.set(feedBytes(t, 1016, vehicle("T1", "1", now+5)))
	require.NoError(t, env.m.Update(ctx))
	second := env.m.Current()
	require.Equal(t, now+5, second.Trips[hashing.Trip("T1")].Timestamp)

	d, err := wire.UnpackUpdate(env.pub.payloads[1].Diffs[now])
	require.NoError(t, err)
	assert.Equal(t, map[model.TripHash]int64{hashing.Trip("T1"): now + 5}, d.Timestamp)

	applied, err := model.Apply(first, d)
	require.NoError(t, err)
	assert.Equal(t, second.Trips, applied.Trips)
}

func TestManager_RingEviction(t *testing.T) {
	env := newManagerEnv(t, ManagerOptions{})
	ctx := context.Background()

	for i := 0; i < 21; i++ {
		env.now = testNow.Add(time.Duration(i) * 15 * time.Second)
		now := env.now.Unix()
		env.a.set(feedBytes(t, uint64(1000+15*i), tripUpdate("T1", "1", stop{"101N", now + 60})))
		require.NoError(t, env.m.Update(ctx), "cycle %d", i)
	}

	assert.Equal(t, 20, env.m.ring.Len())
	_, ok := env.m.ring.Get(testNow.Unix())
	assert.False(t, ok, "smallest of 21 timestamps evicted")

	last := env.pub.payloads[len(env.pub.payloads)-1]
	assert.Len(t, last.Diffs, 19)
	assert.NotContains(t, last.Diffs, testNow.Unix())
}

func TestManager_Restore(t *testing.T) {
	env := newManagerEnv(t, ManagerOptions{})
	env.cache.feeds["1"] = feedBytes(t, 1000)
	env.cache.feeds["2"] = []byte("not a feed")
	ctx := context.Background()

	require.NoError(t, env.m.Restore(ctx))
	assert.NotNil(t, env.m.handlers[0].Feed())
	assert.Nil(t, env.m.handlers[1].Feed())

	// Endpoint 1 still serves the restored feed, endpoint 2 is new.
	require.NoError(t, env.m.Update(ctx))
	results := env.status.Health().Feeds
	assert.Equal(t, "OLD_FEED", results[0].Status)
	assert.Equal(t, "NEW_FEED", results[1].Status)
}

func TestManager_WritesSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "realtime.json")
	env := newManagerEnv(t, ManagerOptions{SnapshotPath: path})
	require.NoError(t, env.m.Update(context.Background()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var got struct {
		Name              string `json:"name"`
		RealtimeTimestamp int64  `json:"realtime_timestamp"`
	}
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "test", got.Name)
	assert.Equal(t, testNow.Unix(), got.RealtimeTimestamp)
}

func sortedStations(s ...model.StationHash) []model.StationHash {
	slices.Sort(s)
	return s
}
