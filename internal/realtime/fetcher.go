package realtime

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/cenkalti/backoff/v4"
	"google.golang.org/protobuf/proto"
)

// A feed counts as new only if its header timestamp moved at least this many
// seconds past the last new feed from the same endpoint.
const newFeedThreshold = 3

// FeedStatus is the outcome of the most recent fetch of one endpoint.
type FeedStatus int

const (
	StatusNone FeedStatus = iota
	StatusNewFeed
	StatusOldFeed
	StatusFetchFailed
	StatusDecodeFailed
	StatusRuntimeWarning
)

func (s FeedStatus) String() string {
	switch s {
	case StatusNone:
		return "NONE"
	case StatusNewFeed:
		return "NEW_FEED"
	case StatusOldFeed:
		return "OLD_FEED"
	case StatusFetchFailed:
		return "FETCH_FAILED"
	case StatusDecodeFailed:
		return "DECODE_FAILED"
	case StatusRuntimeWarning:
		return "RUNTIME_WARNING"
	default:
		return fmt.Sprintf("FeedStatus(%d)", int(s))
	}
}

// Failed reports whether s is one of the error outcomes.
func (s FeedStatus) Failed() bool {
	return s == StatusFetchFailed || s == StatusDecodeFailed || s == StatusRuntimeWarning
}

// FetchResult is the value a fetch produces. Fetch errors never escape a
// FeedHandler any other way.
type FetchResult struct {
	FeedID    string
	Status    FeedStatus
	Timestamp uint64 // header timestamp, set for NEW_FEED
	Attempts  int
	Err       error
}

// FeedCache keeps the raw bytes of the latest new feed per endpoint so a
// restart can pick up where the previous process left off.
type FeedCache interface {
	SaveFeed(ctx context.Context, feedID string, raw []byte) error
	LoadFeeds(ctx context.Context) (map[string][]byte, error)
}

// FeedHandler polls one GTFS-RT endpoint and keeps its latest and previous
// new feeds. A new feed is held as pending until the cycle that fetched it is
// published; Commit then makes it the latest and Discard drops it. A handler
// is used by one goroutine at a time.
type FeedHandler struct {
	id       string
	url      string
	client   *http.Client
	timeout  time.Duration
	attempts int
	cache    FeedCache
	logger   *slog.Logger

	result   FetchResult
	latest   *gtfs.FeedMessage
	prev     *gtfs.FeedMessage
	latestTS uint64
	pending  *pendingFeed
}

type pendingFeed struct {
	feed *gtfs.FeedMessage
	raw  []byte
	ts   uint64
}

// NewFeedHandler creates a handler for the endpoint id at url. Each of up to
// attempts tries is bounded by timeout.
func NewFeedHandler(id, url string, timeout time.Duration, attempts int, cache FeedCache, logger *slog.Logger) *FeedHandler {
	if attempts < 1 {
		attempts = 1
	}
	return &FeedHandler{
		id:       id,
		url:      url,
		client:   &http.Client{},
		timeout:  timeout,
		attempts: attempts,
		cache:    cache,
		logger:   logger.With("feed", id),
		result:   FetchResult{FeedID: id, Status: StatusNone},
	}
}

// ID returns the endpoint's feed ID.
func (h *FeedHandler) ID() string { return h.id }

// Result returns the outcome of the last Fetch.
func (h *FeedHandler) Result() FetchResult { return h.result }

// Feed returns the pending feed if there is one, else the latest new feed,
// falling back to the previous one, or nil if the endpoint never produced a
// new feed.
func (h *FeedHandler) Feed() *gtfs.FeedMessage {
	if h.pending != nil {
		return h.pending.feed
	}
	if h.latest != nil {
		return h.latest
	}
	return h.prev
}

// Fetch downloads and classifies the endpoint's feed, retrying failures.
// OLD_FEED is final and not retried.
func (h *FeedHandler) Fetch(ctx context.Context) FetchResult {
	h.pending = nil

	var (
		feed     *gtfs.FeedMessage
		raw      []byte
		status   FeedStatus
		attempts int
	)

	op := func() error {
		attempts++
		body, err := h.get(ctx)
		if err != nil {
			status = StatusFetchFailed
			return err
		}
		f, st, err := decodeFeed(body)
		if err != nil {
			status = st
			return err
		}
		feed, raw = f, body
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(&backoff.ZeroBackOff{}, uint64(h.attempts-1)), ctx)
	err := backoff.RetryNotify(op, policy, func(err error, _ time.Duration) {
		h.logger.Debug("fetch failed, trying again", "attempt", attempts, "error", err)
	})
	if err != nil {
		h.result = FetchResult{FeedID: h.id, Status: status, Attempts: attempts, Err: err}
		return h.result
	}

	h.result = h.accept(feed, raw)
	h.result.Attempts = attempts
	return h.result
}

// get performs one GET bounded by the per-attempt timeout.
func (h *FeedHandler) get(ctx context.Context) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("create request: %w", err))
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed returned non-200: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read feed body: %w", err)
	}
	return body, nil
}

// accept classifies a decoded feed against the last committed one and
// stages it if it is new.
func (h *FeedHandler) accept(feed *gtfs.FeedMessage, raw []byte) FetchResult {
	ts := feed.GetHeader().GetTimestamp()
	if ts < h.latestTS+newFeedThreshold {
		return FetchResult{FeedID: h.id, Status: StatusOldFeed}
	}
	h.pending = &pendingFeed{feed: feed, raw: raw, ts: ts}
	return FetchResult{FeedID: h.id, Status: StatusNewFeed, Timestamp: ts}
}

// Commit promotes the pending feed to latest and caches its raw bytes. It is
// a no-op when nothing is pending.
func (h *FeedHandler) Commit(ctx context.Context) {
	p := h.pending
	if p == nil {
		return
	}
	h.pending = nil
	h.prev, h.latest, h.latestTS = h.latest, p.feed, p.ts
	if h.cache != nil {
		if err := h.cache.SaveFeed(ctx, h.id, p.raw); err != nil {
			h.logger.Warn("cache raw feed", "error", err)
		}
	}
}

// Discard drops the pending feed so the next fetch classifies the same
// upstream feed as new again.
func (h *FeedHandler) Discard() { h.pending = nil }

// restore installs a cached raw feed as the latest one.
func (h *FeedHandler) restore(raw []byte) error {
	feed, _, err := decodeFeed(raw)
	if err != nil {
		return err
	}
	h.latest = feed
	h.latestTS = feed.GetHeader().GetTimestamp()
	return nil
}

// decodeFeed parses a FeedMessage. Malformed bytes are DECODE_FAILED; a
// message missing required fields, or a decoder panic, is RUNTIME_WARNING.
func decodeFeed(b []byte) (feed *gtfs.FeedMessage, status FeedStatus, err error) {
	defer func() {
		if r := recover(); r != nil {
			feed, status, err = nil, StatusRuntimeWarning, fmt.Errorf("decoder panic: %v", r)
		}
	}()

	feed = &gtfs.FeedMessage{}
	if err := (proto.UnmarshalOptions{AllowPartial: true}).Unmarshal(b, feed); err != nil {
		return nil, StatusDecodeFailed, fmt.Errorf("parse feed protobuf: %w", err)
	}
	if err := proto.CheckInitialized(feed); err != nil {
		return nil, StatusRuntimeWarning, fmt.Errorf("incomplete feed: %w", err)
	}
	return feed, StatusNone, nil
}
