package engine

import (
	"context"

	"github.com/nicktill/tsgate/pkg/backend"
)

// Point is one value of a series at a key (milliseconds).
type Point struct {
	Key   int64
	Value any
}

// Store persists series and the storage-engine registry for an Engine.
// Implementations: memory (testing, dev), badger (production).
type Store interface {
	// Write stores points for a series. A point at an existing key replaces it.
	Write(ctx context.Context, path string, points []Point) error

	// Scan calls fn for each point of path with start <= key < end, in key order
	Scan(ctx context.Context, path string, start, end int64, fn func(Point) error) error

	// Columns lists every series with its data type, sorted by path
	Columns(ctx context.Context) ([]backend.Column, error)

	// AddEngine stores a descriptor and returns it with its assigned ID
	AddEngine(ctx context.Context, d backend.StorageEngineDescriptor) (backend.StorageEngineDescriptor, error)

	// RemoveEngine deletes the descriptor matching the tuple.
	// Returns backend.ErrNotFound when nothing matches.
	RemoveEngine(ctx context.Context, r backend.RemovedStorageEngine) error

	// Engines lists registered descriptors ordered by ID
	Engines(ctx context.Context) ([]backend.StorageEngineDescriptor, error)

	// Close cleanly shuts down the store
	Close() error
}
