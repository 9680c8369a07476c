package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"transitdata/internal/config"
	"transitdata/internal/model"
	"transitdata/internal/wire"
)

// ErrNoNewFeeds means no endpoint produced a new feed this cycle.
var ErrNoNewFeeds = errors.New("no new feeds")

// UpdateFailedError is the single failure signal of a realtime cycle. When it
// is returned nothing was published and the previous snapshot is still current.
type UpdateFailedError struct {
	Reason string
	Err    error
}

func (e *UpdateFailedError) Error() string {
	if e.Err == nil {
		return "update failed: " + e.Reason
	}
	return fmt.Sprintf("update failed: %s: %v", e.Reason, e.Err)
}

func (e *UpdateFailedError) Unwrap() error { return e.Err }

// StaticSource provides the static tables the projection runs against.
type StaticSource interface {
	Current() *model.StaticData
}

// Payload is one cycle's output, ready for the store. Diffs are keyed by the
// timestamp of the older snapshot each one starts from.
type Payload struct {
	Timestamp int64
	Full      []byte
	Diffs     map[int64][]byte
}

// Publisher makes a Payload visible to subscribers.
type Publisher interface {
	PublishRealtime(ctx context.Context, p *Payload) error
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Endpoints    []config.Endpoint
	Timeout      time.Duration // per fetch attempt
	MaxAttempts  int
	RingCapacity int
	SnapshotPath string // optional realtime.json written after each cycle
}

// Manager runs realtime cycles: fetch, merge, project, diff, encode and
// publish. Update must not be called concurrently.
type Manager struct {
	handlers     []*FeedHandler
	cache        FeedCache
	static       StaticSource
	pub          Publisher
	status       *Store
	ring         *Ring
	current      *model.RealtimeData
	snapshotPath string
	logger       *slog.Logger
	now          func() time.Time
}

// NewManager creates a Manager with one FeedHandler per endpoint.
func NewManager(opts ManagerOptions, static StaticSource, cache FeedCache, pub Publisher, status *Store, logger *slog.Logger) *Manager {
	handlers := make([]*FeedHandler, len(opts.Endpoints))
	for i, ep := range opts.Endpoints {
		handlers[i] = NewFeedHandler(ep.ID, ep.URL, opts.Timeout, opts.MaxAttempts, cache, logger)
	}
	return &Manager{
		handlers:     handlers,
		cache:        cache,
		static:       static,
		pub:          pub,
		status:       status,
		ring:         NewRing(opts.RingCapacity),
		snapshotPath: opts.SnapshotPath,
		logger:       logger,
		now:          time.Now,
	}
}

// Current returns the last published snapshot, or nil before the first one.
func (m *Manager) Current() *model.RealtimeData { return m.current }

// Restore loads each endpoint's cached raw feed. Missing or unreadable
// entries are logged and skipped.
func (m *Manager) Restore(ctx context.Context) error {
	if m.cache == nil {
		return nil
	}
	feeds, err := m.cache.LoadFeeds(ctx)
	if err != nil {
		return fmt.Errorf("load cached feeds: %w", err)
	}

	restored := 0
	for _, h := range m.handlers {
		raw, ok := feeds[h.ID()]
		if !ok || len(raw) == 0 {
			continue
		}
		if err := h.restore(raw); err != nil {
			m.logger.Error("unable to parse cached feed", "feed", h.ID(), "error", err)
			continue
		}
		restored++
	}
	m.logger.Info("cached feeds restored", "count", restored, "feeds", len(m.handlers))
	return nil
}

// Update runs one cycle. On any failure it returns an *UpdateFailedError
// and leaves the ring, the current snapshot, the handlers' feeds and the
// store untouched.
func (m *Manager) Update(ctx context.Context) error {
	cycle := uuid.NewString()
	logger := m.logger.With("cycle", cycle)
	t := newStageTimer()

	err := m.update(ctx, logger, t)
	if err != nil {
		for _, h := range m.handlers {
			h.Discard()
		}
		m.status.RecordFailure(cycle, err, m.now())
		return err
	}
	m.status.RecordSuccess(cycle, m.current.RealtimeTimestamp, len(m.current.Trips), m.now())
	logger.Debug("cycle timings", t.attrs()...)
	return nil
}

func (m *Manager) update(ctx context.Context, logger *slog.Logger, t *stageTimer) error {
	results := m.fetchAll(ctx)
	m.status.RecordFetch(results, m.now())
	t.mark("fetch")

	newFeeds := 0
	for _, r := range results {
		switch {
		case r.Status == StatusNewFeed:
			newFeeds++
		case r.Status.Failed():
			logger.Error("fetch failed", "feed", r.FeedID, "status", r.Status, "attempts", r.Attempts, "error", r.Err)
		}
	}
	logger.Info("feeds checked", "new_feeds", newFeeds, "feeds", len(results))
	if newFeeds == 0 {
		return &UpdateFailedError{Reason: "fetch", Err: ErrNoNewFeeds}
	}

	sd := m.static.Current()
	if sd == nil {
		return &UpdateFailedError{Reason: "static data not loaded"}
	}

	merged := Merge(m.handlers, logger)
	t.mark("merge")

	rd := Project(merged, sd, m.now(), logger)
	t.mark("project")

	survivors := m.ring.Survivors(rd.RealtimeTimestamp)
	diffs := make(map[int64]*model.DataDiff, len(survivors))
	for _, ts := range survivors {
		old, _ := m.ring.Get(ts)
		diffs[ts] = model.Diff(old, rd)
	}
	t.mark("diff")

	payload := &Payload{
		Timestamp: rd.RealtimeTimestamp,
		Full:      wire.PackFull(rd),
		Diffs:     make(map[int64][]byte, len(diffs)),
	}
	for ts, d := range diffs {
		payload.Diffs[ts] = wire.PackUpdate(d)
	}
	t.mark("encode")

	if err := m.pub.PublishRealtime(ctx, payload); err != nil {
		return &UpdateFailedError{Reason: "publish", Err: err}
	}
	t.mark("publish")

	for _, h := range m.handlers {
		h.Commit(ctx)
	}
	m.ring.Put(rd)
	m.current = rd

	if m.snapshotPath != "" {
		if err := writeSnapshot(m.snapshotPath, rd); err != nil {
			logger.Warn("write realtime snapshot", "path", m.snapshotPath, "error", err)
		}
	}

	logger.Info("realtime data published",
		"timestamp", rd.RealtimeTimestamp,
		"trips", len(rd.Trips),
		"entities", len(merged.GetEntity()),
		"diffs", len(payload.Diffs),
		"full_kb", len(payload.Full)/1024,
	)
	return nil
}

// fetchAll runs every handler concurrently and waits for all of them.
func (m *Manager) fetchAll(ctx context.Context) []FetchResult {
	results := make([]FetchResult, len(m.handlers))
	var wg sync.WaitGroup
	for i, h := range m.handlers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = h.Fetch(ctx)
		}()
	}
	wg.Wait()
	return results
}

func writeSnapshot(path string, rd *model.RealtimeData) error {
	data, err := json.Marshal(rd)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	tmp := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// stageTimer records how long each stage of a cycle took.
type stageTimer struct {
	last   time.Time
	stages []slog.Attr
}

func newStageTimer() *stageTimer {
	return &stageTimer{last: time.Now()}
}

func (t *stageTimer) mark(stage string) {
	now := time.Now()
	t.stages = append(t.stages, slog.Duration(stage, now.Sub(t.last).Round(time.Microsecond)))
	t.last = now
}

func (t *stageTimer) attrs() []any {
	out := make([]any, len(t.stages))
	for i, a := range t.stages {
		out[i] = a
	}
	return out
}
