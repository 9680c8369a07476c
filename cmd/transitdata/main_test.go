package main

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func setEnv(t *testing.T, redis *miniredis.Miniredis, staticURL string) {
	t.Helper()
	t.Setenv("TRANSITDATA_CONFIG", "")
	t.Setenv("TRANSITDATA_DB_PATH", "")
	t.Setenv("PARSER_LOG_LEVEL", "ERROR")
	t.Setenv("MTA_API_KEY", "key")
	t.Setenv("MTA_STATIC_URL", staticURL)
	t.Setenv("REDIS_HOST", redis.Host())
	t.Setenv("REDIS_PORT", redis.Port())
}

func TestRun_BadFlag(t *testing.T) {
	setEnv(t, miniredis.RunT(t), "http://127.0.0.1:1/gtfs.zip")
	if code := run([]string{"-no-such-flag"}); code != 2 {
		t.Errorf("run = %d, want 2", code)
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	setEnv(t, miniredis.RunT(t), "http://127.0.0.1:1/gtfs.zip")
	t.Setenv("MTA_API_KEY", "")

	if code := run([]string{"-data-dir", t.TempDir()}); code != 1 {
		t.Errorf("run = %d, want 1", code)
	}
}

func TestRun_StaticFailureClosesDatabase(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer upstream.Close()
	setEnv(t, miniredis.RunT(t), upstream.URL+"/gtfs.zip")
	dir := t.TempDir()

	if code := run([]string{"-static-only", "-data-dir", dir}); code != 1 {
		t.Fatalf("run = %d, want 1", code)
	}

	db := filepath.Join(dir, "transitdata.db")
	if _, err := os.Stat(db); err != nil {
		t.Fatalf("database not created: %v", err)
	}
	// SQLite removes the WAL file when the last connection closes.
	if _, err := os.Stat(db + "-wal"); !os.IsNotExist(err) {
		t.Errorf("database left open: %s-wal still present (err=%v)", db, err)
	}
}
