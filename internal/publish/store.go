// Package publish is the shared key/value and pub-sub store. The realtime
// pipeline is the only writer of the realtime namespace; subscribers read
// the latest payloads and listen for notifications.
package publish

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net"
	"slices"
	"strconv"
	"syscall"

	"github.com/redis/go-redis/v9"

	"transitdata/internal/realtime"
)

// Keys and channel shared with subscribers.
const (
	KeyCurrentTimestamp = "realtime:current_timestamp"
	KeyDataFull         = "realtime:data_full"
	KeyDataDiffs        = "realtime:data_diffs"
	KeyFeeds            = "realtime:feeds"
	KeyStaticChecksum   = "static:latest_checksum"
	KeyStaticJSON       = "static:json_full"

	ChannelUpdates = "realtime_updates"
	MessageNewData = "new_data"
)

var (
	// ErrUnavailable wraps errors caused by losing the store connection.
	ErrUnavailable = errors.New("store unavailable")
	// ErrNotFound is returned when a requested key or field does not exist.
	ErrNotFound = errors.New("not found")
)

// Store talks to Redis.
type Store struct {
	client  *redis.Client
	diffCap int
	logger  *slog.Logger
}

// New creates a Store for the Redis server at addr. At most diffCap diffs
// are kept under KeyDataDiffs.
func New(addr string, diffCap int, logger *slog.Logger) *Store {
	return &Store{
		client:  redis.NewClient(&redis.Options{Addr: addr}),
		diffCap: max(diffCap, 1),
		logger:  logger,
	}
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.wrap("ping", s.client.Ping(ctx).Err())
}

// PublishRealtime writes one cycle's payload and notifies subscribers. All
// writes run in one MULTI/EXEC transaction so a subscriber that sees the
// notification also sees every key updated. The diff map is replaced, and
// only the diffCap newest diffs are kept.
func (s *Store) PublishRealtime(ctx context.Context, p *realtime.Payload) error {
	stamps := slices.Sorted(maps.Keys(p.Diffs))
	if len(stamps) > s.diffCap {
		s.logger.Debug("dropping oldest diffs", "count", len(stamps)-s.diffCap)
		stamps = stamps[len(stamps)-s.diffCap:]
	}
	fields := make([]any, 0, 2*len(stamps))
	for _, ts := range stamps {
		fields = append(fields, strconv.FormatInt(ts, 10), p.Diffs[ts])
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, KeyCurrentTimestamp, p.Timestamp, 0)
		pipe.Set(ctx, KeyDataFull, p.Full, 0)
		pipe.Del(ctx, KeyDataDiffs)
		if len(fields) > 0 {
			pipe.HSet(ctx, KeyDataDiffs, fields...)
		}
		pipe.Publish(ctx, ChannelUpdates, MessageNewData)
		return nil
	})
	return s.wrap("publish realtime", err)
}

// CurrentTimestamp returns the timestamp of the published snapshot.
func (s *Store) CurrentTimestamp(ctx context.Context) (int64, error) {
	ts, err := s.client.Get(ctx, KeyCurrentTimestamp).Int64()
	if err != nil {
		return 0, s.wrap("get current timestamp", err)
	}
	return ts, nil
}

// DataFull returns the compressed full snapshot.
func (s *Store) DataFull(ctx context.Context) ([]byte, error) {
	b, err := s.client.Get(ctx, KeyDataFull).Bytes()
	if err != nil {
		return nil, s.wrap("get data full", err)
	}
	return b, nil
}

// DataDiff returns the compressed diff from the snapshot taken at since to
// the current one.
func (s *Store) DataDiff(ctx context.Context, since int64) ([]byte, error) {
	b, err := s.client.HGet(ctx, KeyDataDiffs, strconv.FormatInt(since, 10)).Bytes()
	if err != nil {
		return nil, s.wrap("get data diff", err)
	}
	return b, nil
}

// DiffTimestamps lists the timestamps diffs are available from, ascending.
func (s *Store) DiffTimestamps(ctx context.Context) ([]int64, error) {
	keys, err := s.client.HKeys(ctx, KeyDataDiffs).Result()
	if err != nil {
		return nil, s.wrap("list data diffs", err)
	}
	out := make([]int64, 0, len(keys))
	for _, k := range keys {
		ts, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, ts)
	}
	slices.Sort(out)
	return out, nil
}

// Subscribe delivers a value for each new_data notification until ctx is
// done. Notifications that arrive while the receiver is busy are coalesced.
func (s *Store) Subscribe(ctx context.Context) (<-chan struct{}, error) {
	ps := s.client.Subscribe(ctx, ChannelUpdates)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, s.wrap("subscribe", err)
	}

	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		defer ps.Close()

		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				if msg.Payload != MessageNewData {
					continue
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out, nil
}

// SaveFeed caches the raw bytes of a feed.
func (s *Store) SaveFeed(ctx context.Context, feedID string, raw []byte) error {
	return s.wrap("save feed", s.client.HSet(ctx, KeyFeeds, feedID, raw).Err())
}

// LoadFeeds returns every cached raw feed by feed ID.
func (s *Store) LoadFeeds(ctx context.Context) (map[string][]byte, error) {
	all, err := s.client.HGetAll(ctx, KeyFeeds).Result()
	if err != nil {
		return nil, s.wrap("load feeds", err)
	}
	out := make(map[string][]byte, len(all))
	for id, raw := range all {
		out[id] = []byte(raw)
	}
	return out, nil
}

// StaticChecksum returns the MD5 of the last ingested static bundle, or ""
// if none was stored.
func (s *Store) StaticChecksum(ctx context.Context) (string, error) {
	sum, err := s.client.Get(ctx, KeyStaticChecksum).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return sum, s.wrap("get static checksum", err)
}

// StaticJSON returns the serialized static data, or nil if none was stored.
func (s *Store) StaticJSON(ctx context.Context) ([]byte, error) {
	b, err := s.client.Get(ctx, KeyStaticJSON).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return b, s.wrap("get static json", err)
}

// SaveStatic stores the static data together with its bundle checksum.
func (s *Store) SaveStatic(ctx context.Context, checksum string, data []byte) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, KeyStaticJSON, data, 0)
		pipe.Set(ctx, KeyStaticChecksum, checksum, 0)
		return nil
	})
	return s.wrap("save static", err)
}

// wrap annotates err with op, maps redis.Nil to ErrNotFound and marks
// connection failures with ErrUnavailable.
func (s *Store) wrap(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.Nil):
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case isConnError(err):
		return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

func isConnError(err error) bool {
	if errors.Is(err, redis.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
