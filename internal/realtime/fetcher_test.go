package realtime

import (
	"context"
	"net/http"
	"testing"
	"time"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
)

func TestFeedHandler_NewAndOldFeeds(t *testing.T) {
	ep := newEndpoint(t, feedBytes(t, 1000))
	cache := newMemCache()
	h := NewFeedHandler("1", ep.srv.URL, time.Second, 3, cache, testLogger())
	ctx := context.Background()

	assert.Equal(t, StatusNone, h.Result().Status)
	assert.Nil(t, h.Feed())

	tests := []struct {
		ts       uint64
		want     FeedStatus
		latestTS uint64
	}{
		{1000, StatusNewFeed, 1000},
		{1000, StatusOldFeed, 1000},
		{1002, StatusOldFeed, 1000},
		{1003, StatusNewFeed, 1003},
		{990, StatusOldFeed, 1003},
	}
	for _, tt := range tests {
		ep.set(feedBytes(t, tt.ts))
		got := h.Fetch(ctx)
		h.Commit(ctx)
		if got.Status != tt.want {
			t.Errorf("header %d: status = %s, want %s", tt.ts, got.Status, tt.want)
		}
		if h.latestTS != tt.latestTS {
			t.Errorf("header %d: latest timestamp = %d, want %d", tt.ts, h.latestTS, tt.latestTS)
		}
	}

	assert.Equal(t, uint64(1003), h.latest.GetHeader().GetTimestamp())
	assert.Equal(t, uint64(1000), h.prev.GetHeader().GetTimestamp())
	assert.Same(t, h.latest, h.Feed())
	assert.Equal(t, feedBytes(t, 1003), cache.feeds["1"])
}

func TestFeedHandler_Failures(t *testing.T) {
	partial, err := proto.MarshalOptions{AllowPartial: true}.Marshal(&gtfs.FeedMessage{
		Header: &gtfs.FeedHeader{Timestamp: proto.Uint64(1000)},
	})
	require.NoError(t, err)

	tests := []struct {
		name  string
		setup func(e *endpoint)
		want  FeedStatus
	}{
		{"server error", func(e *endpoint) { e.fail(http.StatusInternalServerError) }, StatusFetchFailed},
		{"timeout", func(e *endpoint) { e.slow(time.Second) }, StatusFetchFailed},
		{"garbage", func(e *endpoint) { e.set([]byte{0x0a, 0xff, 0xff}) }, StatusDecodeFailed},
		{"missing required fields", func(e *endpoint) { e.set(partial) }, StatusRuntimeWarning},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ep := newEndpoint(t, nil)
			tt.setup(ep)
			h := NewFeedHandler("1", ep.srv.URL, 50*time.Millisecond, 3, nil, testLogger())

			got := h.Fetch(context.Background())
			assert.Equal(t, tt.want, got.Status)
			assert.True(t, got.Status.Failed())
			assert.Error(t, got.Err)
			assert.Equal(t, 3, got.Attempts)
			assert.Equal(t, 3, ep.hitCount())
			assert.Nil(t, h.Feed())
		})
	}
}

func TestFeedHandler_RetryRecovers(t *testing.T) {
	ep := newEndpoint(t, nil)
	ep.fail(http.StatusBadGateway)
	h := NewFeedHandler("1", ep.srv.URL, time.Second, 3, nil, testLogger())

	got := h.Fetch(context.Background())
	require.Equal(t, StatusFetchFailed, got.Status)

	ep.set(feedBytes(t, 1000))
	got = h.Fetch(context.Background())
	assert.Equal(t, StatusNewFeed, got.Status)
	assert.Equal(t, 1, got.Attempts)
}

func TestFeedHandler_FailureKeepsStoredFeed(t *testing.T) {
	ep := newEndpoint(t, feedBytes(t, 1000))
	h := NewFeedHandler("1", ep.srv.URL, time.Second, 1, nil, testLogger())
	require.Equal(t, StatusNewFeed, h.Fetch(context.Background()).Status)
	h.Commit(context.Background())

	ep.fail(http.StatusServiceUnavailable)
	assert.Equal(t, StatusFetchFailed, h.Fetch(context.Background()).Status)
	assert.Equal(t, uint64(1000), h.Feed().GetHeader().GetTimestamp())
}

func TestFeedHandler_NewFeedStagedUntilCommit(t *testing.T) {
	ep := newEndpoint(t, feedBytes(t, 1000))
	cache := newMemCache()
	h := NewFeedHandler("1", ep.srv.URL, time.Second, 1, cache, testLogger())
	ctx := context.Background()

	require.Equal(t, StatusNewFeed, h.Fetch(ctx).Status)
	assert.Equal(t, uint64(1000), h.Feed().GetHeader().GetTimestamp(), "pending feed is mergeable")
	assert.Zero(t, h.latestTS)
	assert.Empty(t, cache.feeds, "nothing cached before commit")

	h.Discard()
	assert.Nil(t, h.Feed())
	assert.Equal(t, StatusNewFeed, h.Fetch(ctx).Status, "same upstream feed is new again after discard")

	h.Commit(ctx)
	assert.Equal(t, uint64(1000), h.latestTS)
	assert.Equal(t, feedBytes(t, 1000), cache.feeds["1"])
	assert.Equal(t, StatusOldFeed, h.Fetch(ctx).Status)

	h.Commit(ctx)
	assert.Nil(t, h.prev, "commit without a pending feed changes nothing")
}

func TestFeedStatus_String(t *testing.T) {
	for s, want := range map[FeedStatus]string{
		StatusNone:           "NONE",
		StatusNewFeed:        "NEW_FEED",
		StatusOldFeed:        "OLD_FEED",
		StatusFetchFailed:    "FETCH_FAILED",
		StatusDecodeFailed:   "DECODE_FAILED",
		StatusRuntimeWarning: "RUNTIME_WARNING",
		FeedStatus(42):       "FeedStatus(42)",
	} {
		if got := s.String(); got != want {
			t.Errorf("FeedStatus(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}
