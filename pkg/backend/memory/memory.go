package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nicktill/tsgate/pkg/backend"
	"github.com/nicktill/tsgate/pkg/backend/engine"
)

// Store keeps series and the engine registry in memory. Data is lost on restart.
// Useful for testing and development.
type Store struct {
	series  map[string]*series
	engines []backend.StorageEngineDescriptor
	nextID  int64
	mu      sync.RWMutex
}

type series struct {
	dataType backend.DataType
	points   []engine.Point // sorted by key, unique keys
}

// New creates an in-memory store
func New() *Store {
	return &Store{
		series: make(map[string]*series),
		nextID: 1,
	}
}

// Write stores points in memory
func (s *Store) Write(ctx context.Context, path string, points []engine.Point) error {
	if len(points) == 0 {
		return nil
	}
	dataType, ok := backend.DataTypeOf(points[0].Value)
	if !ok {
		return fmt.Errorf("unsupported value type %T", points[0].Value)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sr, ok := s.series[path]
	if !ok {
		sr = &series{}
		s.series[path] = sr
	}
	sr.dataType = dataType

	merged := append(sr.points, points...)
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Key < merged[j].Key })

	// Keep the last written point for each key
	out := merged[:0]
	for i, p := range merged {
		if i+1 < len(merged) && merged[i+1].Key == p.Key {
			continue
		}
		out = append(out, p)
	}
	sr.points = out
	return nil
}

// Scan calls fn for points of path within [start, end)
func (s *Store) Scan(ctx context.Context, path string, start, end int64, fn func(engine.Point) error) error {
	s.mu.RLock()
	sr, ok := s.series[path]
	var points []engine.Point
	if ok {
		lo := sort.Search(len(sr.points), func(i int) bool { return sr.points[i].Key >= start })
		hi := sort.Search(len(sr.points), func(i int) bool { return sr.points[i].Key >= end })
		points = append(points, sr.points[lo:hi]...)
	}
	s.mu.RUnlock()

	for i, p := range points {
		// Check context periodically (every 1000 points)
		if i%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if err := fn(p); err != nil {
			return err
		}
	}
	return nil
}

// Columns lists series sorted by path
func (s *Store) Columns(ctx context.Context) ([]backend.Column, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	columns := make([]backend.Column, 0, len(s.series))
	for path, sr := range s.series {
		columns = append(columns, backend.Column{Path: path, DataType: sr.dataType})
	}
	sort.Slice(columns, func(i, j int) bool { return columns[i].Path < columns[j].Path })
	return columns, nil
}

// AddEngine registers a descriptor
func (s *Store) AddEngine(ctx context.Context, d backend.StorageEngineDescriptor) (backend.StorageEngineDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tuple := backend.RemovedStorageEngine{Host: d.Host, Port: d.Port, SchemaPrefix: d.SchemaPrefix, DataPrefix: d.DataPrefix}
	for _, existing := range s.engines {
		if tuple.Matches(existing) {
			return backend.StorageEngineDescriptor{}, fmt.Errorf("storage engine %s:%d already registered", d.Host, d.Port)
		}
	}

	d.ID = s.nextID
	s.nextID++
	s.engines = append(s.engines, d)
	return d, nil
}

// RemoveEngine deletes the descriptor matching r
func (s *Store) RemoveEngine(ctx context.Context, r backend.RemovedStorageEngine) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, d := range s.engines {
		if r.Matches(d) {
			s.engines = append(s.engines[:i], s.engines[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("storage engine %s:%d: %w", r.Host, r.Port, backend.ErrNotFound)
}

// Engines lists descriptors ordered by ID
func (s *Store) Engines(ctx context.Context) ([]backend.StorageEngineDescriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]backend.StorageEngineDescriptor(nil), s.engines...), nil
}

// Close is a no-op for memory storage
func (s *Store) Close() error {
	return nil
}
