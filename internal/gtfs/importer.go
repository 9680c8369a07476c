package gtfs

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"transitdata/internal/model"
	"transitdata/internal/storage"
)

// StaticStore is the shared key/value copy of the static data that
// subscribers and other instances read.
type StaticStore interface {
	StaticChecksum(ctx context.Context) (string, error)
	StaticJSON(ctx context.Context) ([]byte, error)
	SaveStatic(ctx context.Context, checksum string, data []byte) error
}

// Importer persists a built StaticData everywhere it is read from: the
// static.json handoff file, the SQLite cache and the shared store.
type Importer struct {
	db       *storage.DB
	store    StaticStore
	jsonPath string
	logger   *slog.Logger
}

// NewImporter creates an Importer.
func NewImporter(db *storage.DB, store StaticStore, jsonPath string, logger *slog.Logger) *Importer {
	return &Importer{db: db, store: store, jsonPath: jsonPath, logger: logger}
}

// Import writes sd built from the download dl.
func (imp *Importer) Import(ctx context.Context, sd *model.StaticData, dl *Downloaded) error {
	start := time.Now()

	data, err := model.MarshalStatic(sd)
	if err != nil {
		return err
	}

	if err := writeFileAtomic(imp.jsonPath, data); err != nil {
		return fmt.Errorf("write static json: %w", err)
	}

	if err := imp.db.SaveStaticSnapshot(ctx, storage.StaticSnapshot{
		Checksum:        dl.Checksum,
		Name:            sd.Name,
		StaticTimestamp: sd.StaticTimestamp,
		JSON:            data,
	}); err != nil {
		return fmt.Errorf("save static snapshot: %w", err)
	}
	if err := imp.saveHeaders(ctx, dl); err != nil {
		return err
	}

	if err := imp.store.SaveStatic(ctx, dl.Checksum, data); err != nil {
		return fmt.Errorf("publish static data: %w", err)
	}

	imp.logger.Info("static import complete",
		"duration", time.Since(start).Round(time.Millisecond),
		"path", imp.jsonPath,
		"size_kb", len(data)/1024,
		"checksum", dl.Checksum,
	)
	return nil
}

// saveHeaders records the conditional-request validators of dl.
func (imp *Importer) saveHeaders(ctx context.Context, dl *Downloaded) error {
	meta := map[string]string{
		"imported_at":   time.Now().UTC().Format(time.RFC3339),
		"last_modified": dl.LastModified,
		"etag":          dl.ETag,
	}
	for k, v := range meta {
		if v == "" {
			continue
		}
		if err := imp.db.SetMetadata(ctx, k, v); err != nil {
			return fmt.Errorf("set %s: %w", k, err)
		}
	}
	return nil
}

// writeFileAtomic writes data next to path and renames it into place so
// readers never see a partial file.
func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
