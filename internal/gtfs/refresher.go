package gtfs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"transitdata/internal/model"
	"transitdata/internal/storage"
)

// RefresherOptions configures a Refresher.
type RefresherOptions struct {
	Name         string
	RouteAliases map[string]string
	StationsURL  string // optional station list CSV
	JSONPath     string // static.json handoff file
}

// Refresher owns the current StaticData. It loads it from the fastest
// available source at startup and rebuilds it when the upstream bundle
// changes.
type Refresher struct {
	downloader *Downloader
	importer   *Importer
	db         *storage.DB
	store      StaticStore
	opts       RefresherOptions
	logger     *slog.Logger
	now        func() time.Time

	mu      sync.Mutex // serializes Update
	current atomic.Pointer[model.StaticData]
}

// NewRefresher creates a Refresher.
func NewRefresher(downloader *Downloader, db *storage.DB, store StaticStore, opts RefresherOptions, logger *slog.Logger) *Refresher {
	return &Refresher{
		downloader: downloader,
		importer:   NewImporter(db, store, opts.JSONPath, logger),
		db:         db,
		store:      store,
		opts:       opts,
		logger:     logger,
		now:        time.Now,
	}
}

// Current returns the loaded StaticData, or nil before the first load.
func (r *Refresher) Current() *model.StaticData {
	return r.current.Load()
}

// Load makes static data available. It tries the store, the SQLite cache
// and the static.json file in that order, and falls back to a full
// download and build when none of them has usable data.
func (r *Refresher) Load(ctx context.Context) error {
	if data, err := r.store.StaticJSON(ctx); err != nil {
		r.logger.Warn("read static data from store", "error", err)
	} else if r.use(data, "store") {
		return nil
	}

	if snap, err := r.db.LatestStaticSnapshot(ctx); err != nil {
		r.logger.Warn("read static snapshot", "error", err)
	} else if snap != nil && r.use(snap.JSON, "sqlite") {
		return nil
	}

	if data, err := os.ReadFile(r.opts.JSONPath); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			r.logger.Warn("read static json", "error", err)
		}
	} else if r.use(data, "file") {
		return nil
	}

	r.logger.Info("static data not found, running static build")
	return r.Update(ctx)
}

// use installs data as the current StaticData if it decodes.
func (r *Refresher) use(data []byte, source string) bool {
	if len(data) == 0 {
		return false
	}
	sd, err := model.UnmarshalStatic(data)
	if err != nil {
		r.logger.Warn("discarding unreadable static data", "source", source, "error", err)
		return false
	}
	r.current.Store(sd)
	r.logger.Info("static data loaded",
		"source", source,
		"name", sd.Name,
		"static_timestamp", sd.StaticTimestamp,
		"stations", len(sd.Stations),
		"routes", len(sd.Routes),
	)
	return true
}

// Update checks the upstream bundle and rebuilds the static data when it has
// changed. It is a no-op if the bundle is unchanged and data is loaded.
func (r *Refresher) Update(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	loaded := r.current.Load() != nil
	if loaded {
		lastModified, _ := r.db.GetMetadata(ctx, "last_modified")
		etag, _ := r.db.GetMetadata(ctx, "etag")

		result, err := r.downloader.Check(ctx, lastModified, etag)
		if err != nil {
			return fmt.Errorf("check static feed: %w", err)
		}
		if !result.NeedsUpdate {
			return nil
		}
	}

	dl, err := r.downloader.Download(ctx)
	if err != nil {
		return fmt.Errorf("download static feed: %w", err)
	}
	defer os.Remove(dl.Path)

	if loaded && dl.Checksum == r.latestChecksum(ctx) {
		r.logger.Info("no new static data", "checksum", dl.Checksum)
		return r.importer.saveHeaders(ctx, dl)
	}

	feed, err := ParseZip(dl.Path, r.logger)
	if err != nil {
		return fmt.Errorf("parse static feed: %w", err)
	}

	var stations []StationRow
	if r.opts.StationsURL != "" {
		stations, err = r.downloader.FetchStations(ctx, r.opts.StationsURL)
		if err != nil {
			r.logger.Warn("station labels unavailable", "error", err)
		}
	}

	sd, err := Build(feed, dl.Path, BuildOptions{
		Name:         r.opts.Name,
		RouteAliases: r.opts.RouteAliases,
		Stations:     stations,
		Now:          r.now(),
	}, r.logger)
	if err != nil {
		return fmt.Errorf("build static data: %w", err)
	}

	if err := r.importer.Import(ctx, sd, dl); err != nil {
		return err
	}
	r.current.Store(sd)
	return nil
}

// latestChecksum prefers the store's checksum and falls back to SQLite.
func (r *Refresher) latestChecksum(ctx context.Context) string {
	sum, err := r.store.StaticChecksum(ctx)
	if err != nil {
		r.logger.Warn("read static checksum from store", "error", err)
	}
	if sum != "" {
		return sum
	}
	sum, _ = r.db.GetMetadata(ctx, "checksum")
	return sum
}
