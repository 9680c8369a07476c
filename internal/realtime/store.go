package realtime

import (
	"slices"
	"sync"
	"time"

	"transitdata/internal/config"
)

// FeedState is the last known outcome for one endpoint.
type FeedState struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	Timestamp uint64    `json:"timestamp,omitempty"`
	Attempts  int       `json:"attempts,omitempty"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Health summarizes the realtime pipeline for the status endpoint.
type Health struct {
	Cycles            int         `json:"cycles"`
	Failures          int         `json:"failures"`
	LastCycle         string      `json:"last_cycle,omitempty"`
	LastAttempt       time.Time   `json:"last_attempt"`
	LastSuccess       time.Time   `json:"last_success"`
	LastError         string      `json:"last_error,omitempty"`
	RealtimeTimestamp int64       `json:"realtime_timestamp"`
	Trips             int         `json:"trips"`
	Feeds             []FeedState `json:"feeds"`
}

// Store holds pipeline status in a thread-safe manner. The scheduler
// goroutine writes it and HTTP handlers read it.
type Store struct {
	mu     sync.RWMutex
	health Health
	feeds  map[string]FeedState
}

// NewStore creates an empty status store.
func NewStore() *Store {
	return &Store{feeds: make(map[string]FeedState)}
}

// RecordFetch replaces the per-feed outcomes with results.
func (s *Store) RecordFetch(results []FetchResult, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range results {
		fs := FeedState{
			ID:        r.FeedID,
			Status:    r.Status.String(),
			Timestamp: r.Timestamp,
			Attempts:  r.Attempts,
			CheckedAt: at,
		}
		if r.Err != nil {
			fs.Error = r.Err.Error()
		}
		s.feeds[r.FeedID] = fs
	}
}

// RecordSuccess notes a published cycle.
func (s *Store) RecordSuccess(cycle string, ts int64, trips int, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.health.Cycles++
	s.health.LastCycle = cycle
	s.health.LastAttempt = at
	s.health.LastSuccess = at
	s.health.LastError = ""
	s.health.RealtimeTimestamp = ts
	s.health.Trips = trips
}

// RecordFailure notes a failed cycle.
func (s *Store) RecordFailure(cycle string, err error, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.health.Cycles++
	s.health.Failures++
	s.health.LastCycle = cycle
	s.health.LastAttempt = at
	s.health.LastError = err.Error()
}

// Health returns a copy of the current status with feeds sorted by ID.
func (s *Store) Health() Health {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h := s.health
	h.Feeds = make([]FeedState, 0, len(s.feeds))
	for _, fs := range s.feeds {
		h.Feeds = append(h.Feeds, fs)
	}
	slices.SortFunc(h.Feeds, func(a, b FeedState) int { return config.CompareFeedIDs(a.ID, b.ID) })
	return h
}
