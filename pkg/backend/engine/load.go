package engine

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
)

const (
	// MaxLoadBatchSize is the number of rows buffered before writing to the store
	MaxLoadBatchSize = 5000
)

var loadDirective = regexp.MustCompile(`(?i)^\s*LOAD\s+DATA\s+FROM\s+INFILE\s+'([^']+)'\s+AS\s+CSV\s+INTO\s+([^\s;]+)\s*;?\s*$`)

// LoadDirective is a parsed LOAD DATA statement.
type LoadDirective struct {
	File   string
	Prefix string
}

// ParseLoadDirective parses the statement built by backend.LoadDirective:
// LOAD DATA FROM INFILE '<file>' AS CSV INTO <prefix>;
func ParseLoadDirective(directive string) (LoadDirective, error) {
	m := loadDirective.FindStringSubmatch(directive)
	if m == nil {
		return LoadDirective{}, fmt.Errorf("invalid load directive: %q", directive)
	}
	return LoadDirective{File: m[1], Prefix: strings.TrimSuffix(m[2], ".")}, nil
}

// loadCSV reads a CSV stream whose first column is the key and writes every
// other column as series <prefix>.<column>. Returns the series paths and the
// number of rows loaded.
func loadCSV(ctx context.Context, store Store, r io.Reader, prefix string) ([]string, int64, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.ReuseRecord = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, 0, fmt.Errorf("empty csv file")
		}
		return nil, 0, fmt.Errorf("failed to read csv header: %w", err)
	}
	if len(header) < 2 {
		return nil, 0, fmt.Errorf("csv header needs a key column and at least one value column")
	}
	if !isKeyColumn(header[0]) {
		return nil, 0, fmt.Errorf("first csv column must be the key, got %q", header[0])
	}

	paths := make([]string, len(header)-1)
	for i, col := range header[1:] {
		col = strings.TrimSpace(col)
		if col == "" {
			return nil, 0, fmt.Errorf("csv column %d has no name", i+1)
		}
		paths[i] = prefix + "." + col
	}

	batch := make(map[string][]Point, len(paths))
	buffered := 0
	flush := func() error {
		for path, points := range batch {
			if len(points) == 0 {
				continue
			}
			if err := store.Write(ctx, path, points); err != nil {
				return fmt.Errorf("failed to write %s: %w", path, err)
			}
			batch[path] = points[:0]
		}
		buffered = 0
		return nil
	}

	var rows int64
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, 0, fmt.Errorf("failed to read csv row %d: %w", rows+1, err)
		}

		key, err := strconv.ParseInt(strings.TrimSpace(record[0]), 10, 64)
		if err != nil {
			return nil, 0, fmt.Errorf("row %d: invalid key %q", rows+1, record[0])
		}
		for i, cell := range record[1:] {
			if i >= len(paths) || cell == "" || strings.EqualFold(cell, "null") {
				continue
			}
			batch[paths[i]] = append(batch[paths[i]], Point{Key: key, Value: parseCell(cell)})
		}
		rows++
		buffered++

		if buffered >= MaxLoadBatchSize {
			// Check context between batches
			if err := ctx.Err(); err != nil {
				return nil, 0, err
			}
			if err := flush(); err != nil {
				return nil, 0, err
			}
		}
	}

	if err := flush(); err != nil {
		return nil, 0, err
	}
	return paths, rows, nil
}

func isKeyColumn(name string) bool {
	name = strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))
	return strings.EqualFold(name, "key") || strings.EqualFold(name, "time")
}

// parseCell types a CSV cell: BOOLEAN, LONG, DOUBLE, else BINARY.
func parseCell(cell string) any {
	trimmed := strings.TrimSpace(cell)
	switch strings.ToLower(trimmed) {
	case "true":
		return true
	case "false":
		return false
	}
	if i, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return f
	}
	return []byte(cell)
}
