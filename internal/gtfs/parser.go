package gtfs

import (
	"archive/zip"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"strings"
)

// ParseZip extracts and parses the GTFS CSV files the static build uses.
// StopTimes are NOT loaded into memory here; they are streamed during the build.
func ParseZip(path string, logger *slog.Logger) (*Feed, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}
	defer r.Close()

	feed := &Feed{}
	var sawStops bool

	for _, f := range r.File {
		switch f.Name {
		case "routes.txt":
			feed.Routes, err = parseCSVFile[Route](f)
		case "stops.txt":
			feed.Stops, err = parseCSVFile[Stop](f)
			sawStops = true
		case "trips.txt":
			feed.Trips, err = parseCSVFile[Trip](f)
		case "transfers.txt":
			feed.Transfers, err = parseCSVFile[Transfer](f)
		}
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", f.Name, err)
		}
	}
	if !sawStops {
		return nil, fmt.Errorf("stops.txt not found in zip")
	}

	logger.Info("GTFS feed parsed",
		"routes", len(feed.Routes),
		"stops", len(feed.Stops),
		"trips", len(feed.Trips),
		"transfers", len(feed.Transfers),
	)
	return feed, nil
}

// ParseStations decodes the agency station list CSV.
func ParseStations(r io.Reader) ([]StationRow, error) {
	rows, err := decodeCSV[StationRow](r)
	if err != nil {
		return nil, fmt.Errorf("parsing stations csv: %w", err)
	}
	return rows, nil
}

// parseCSVFile reads a single CSV file from the zip and decodes it into a slice of T.
func parseCSVFile[T any](f *zip.File) ([]T, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer rc.Close()
	return decodeCSV[T](rc)
}

func decodeCSV[T any](r io.Reader) ([]T, error) {
	reader, header, err := newCSVReader(r)
	if err != nil {
		return nil, err
	}
	fieldMap := buildFieldMap[T](header)

	var results []T
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read record: %w", err)
		}
		results = append(results, decodeRecord[T](record, fieldMap))
	}
	return results, nil
}

// newCSVReader reads the header row, stripping a UTF-8 BOM if present.
func newCSVReader(r io.Reader) (*csv.Reader, []string, error) {
	reader := csv.NewReader(r)
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("read header: %w", err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\xef\xbb\xbf")
	}
	return reader, header, nil
}

// CSVStream yields one T at a time from a CSV file inside the zip. The
// build streams stop_times.txt through it rather than holding every row.
type CSVStream[T any] struct {
	rc       io.ReadCloser
	reader   *csv.Reader
	fieldMap []fieldMapping
}

type fieldMapping struct {
	csvIndex   int
	fieldIndex int
}

// OpenCSVStream opens a CSV file from the zip for streaming.
func OpenCSVStream[T any](f *zip.File) (*CSVStream[T], error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	reader, header, err := newCSVReader(rc)
	if err != nil {
		rc.Close()
		return nil, err
	}
	return &CSVStream[T]{rc: rc, reader: reader, fieldMap: buildFieldMap[T](header)}, nil
}

// Next decodes the next record. It returns io.EOF after the last one.
func (s *CSVStream[T]) Next() (T, error) {
	record, err := s.reader.Read()
	if err != nil {
		var zero T
		return zero, err
	}
	return decodeRecord[T](record, s.fieldMap), nil
}

// Close releases the underlying reader.
func (s *CSVStream[T]) Close() error {
	return s.rc.Close()
}

// buildFieldMap creates a mapping from CSV column positions to struct field positions.
func buildFieldMap[T any](header []string) []fieldMapping {
	var t T
	typ := reflect.TypeOf(t)

	tagToField := make(map[string]int)
	for i := 0; i < typ.NumField(); i++ {
		if tag := typ.Field(i).Tag.Get("csv"); tag != "" {
			tagToField[tag] = i
		}
	}

	var mappings []fieldMapping
	for csvIdx, colName := range header {
		if fieldIdx, ok := tagToField[strings.TrimSpace(colName)]; ok {
			mappings = append(mappings, fieldMapping{csvIndex: csvIdx, fieldIndex: fieldIdx})
		}
	}
	return mappings
}

// decodeRecord fills a struct T from a CSV record using the field mapping.
func decodeRecord[T any](record []string, fieldMap []fieldMapping) T {
	var t T
	v := reflect.ValueOf(&t).Elem()
	for _, fm := range fieldMap {
		if fm.csvIndex < len(record) {
			v.Field(fm.fieldIndex).SetString(record[fm.csvIndex])
		}
	}
	return t
}
