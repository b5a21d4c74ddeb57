package badger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/nicktill/tsgate/pkg/backend"
	"github.com/nicktill/tsgate/pkg/backend/engine"
	"github.com/nicktill/tsgate/pkg/codec"
)

// Key prefixes. Data keys are [d][series_hash (8 bytes)][key (8 bytes)].
const (
	prefixData   = 'd'
	prefixColumn = 'c'
	prefixEngine = 'e'
)

var engineSeqKey = []byte("m/engine_seq")

// Store implements engine.Store using BadgerDB (LSM tree)
type Store struct {
	db  *badger.DB
	seq *badger.Sequence
}

// Config holds BadgerDB configuration
type Config struct {
	// Path to store database files
	Path string

	// InMemory mode (for testing)
	InMemory bool

	// MaxMemoryMB limits BadgerDB memory usage in MB (0 = use defaults based on environment)
	MaxMemoryMB int64
}

// New creates a BadgerDB store
func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Path).WithLogger(nil)

	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}

	// Conservative memory limits: 16 MB memtable unless told otherwise
	memTableSize := int64(16 * 1024 * 1024)
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB * 1024 * 1024 / 3 // ~33% for memtable
	}
	blockCacheSize := memTableSize / 2 // Block cache: 50% of memtable
	indexCacheSize := memTableSize / 4 // Index cache: 25% of memtable

	opts = opts.
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(3).
		WithBlockCacheSize(blockCacheSize).
		WithIndexCacheSize(indexCacheSize).
		WithMaxLevels(4).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024).
		WithNumCompactors(2).
		WithValueLogMaxEntries(5000).
		WithValueLogFileSize(64 << 20) // 64 MB value log files instead of default 2GB

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	seq, err := db.GetSequence(engineSeqKey, 16)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open engine id sequence: %w", err)
	}

	return &Store{db: db, seq: seq}, nil
}

// Write stores points for a series
func (s *Store) Write(ctx context.Context, path string, points []engine.Point) error {
	// Check context before starting expensive operation
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(points) == 0 {
		return nil
	}
	dataType, ok := backend.DataTypeOf(points[0].Value)
	if !ok {
		return fmt.Errorf("unsupported value type %T", points[0].Value)
	}

	column, err := codec.Marshal(dataType)
	if err != nil {
		return fmt.Errorf("failed to encode column: %w", err)
	}

	hash := seriesHash(path)
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	for i, p := range points {
		// Check context periodically (every 100 points)
		if i%100 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}

		value, err := encodeValue(p.Value)
		if err != nil {
			return fmt.Errorf("failed to encode point %d of %s: %w", p.Key, path, err)
		}
		if err := wb.Set(dataKey(hash, p.Key), value); err != nil {
			return fmt.Errorf("failed to write point: %w", err)
		}
	}
	if err := wb.Set(columnKey(path), column); err != nil {
		return fmt.Errorf("failed to write column: %w", err)
	}

	return wb.Flush()
}

// Scan calls fn for points of path within [start, end) in key order
func (s *Store) Scan(ctx context.Context, path string, start, end int64, fn func(engine.Point) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	hash := seriesHash(path)
	prefix := make([]byte, 9)
	prefix[0] = prefixData
	binary.BigEndian.PutUint64(prefix[1:], hash)

	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchSize = 100

		it := txn.NewIterator(opts)
		defer it.Close()

		var iterCount int
		for it.Seek(dataKey(hash, start)); it.ValidForPrefix(prefix); it.Next() {
			iterCount++

			// Check for context cancellation every 1000 iterations
			if iterCount%1000 == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}

			item := it.Item()
			key := parseDataKey(item.Key())
			if key >= end {
				return nil
			}

			var p engine.Point
			err := item.Value(func(val []byte) error {
				v, err := decodeValue(val)
				if err != nil {
					return err
				}
				p = engine.Point{Key: key, Value: v}
				return nil
			})
			if err != nil {
				return fmt.Errorf("failed to decode point: %w", err)
			}
			if err := fn(p); err != nil {
				return err
			}
		}
		return nil
	})
}

// Columns lists series sorted by path
func (s *Store) Columns(ctx context.Context) ([]backend.Column, error) {
	var columns []backend.Column
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{prefixColumn}

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var dataType backend.DataType
			if err := item.Value(func(val []byte) error {
				return codec.Unmarshal(val, &dataType)
			}); err != nil {
				return fmt.Errorf("failed to decode column: %w", err)
			}
			columns = append(columns, backend.Column{
				Path:     string(item.Key()[1:]),
				DataType: dataType,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	// Iteration is already in byte order; keep the contract explicit
	sort.Slice(columns, func(i, j int) bool { return columns[i].Path < columns[j].Path })
	return columns, nil
}

// AddEngine registers a descriptor under a new ID
func (s *Store) AddEngine(ctx context.Context, d backend.StorageEngineDescriptor) (backend.StorageEngineDescriptor, error) {
	existing, err := s.Engines(ctx)
	if err != nil {
		return backend.StorageEngineDescriptor{}, err
	}
	tuple := backend.RemovedStorageEngine{Host: d.Host, Port: d.Port, SchemaPrefix: d.SchemaPrefix, DataPrefix: d.DataPrefix}
	for _, e := range existing {
		if tuple.Matches(e) {
			return backend.StorageEngineDescriptor{}, fmt.Errorf("storage engine %s:%d already registered", d.Host, d.Port)
		}
	}

	next, err := s.seq.Next()
	if err != nil {
		return backend.StorageEngineDescriptor{}, fmt.Errorf("failed to allocate engine id: %w", err)
	}
	d.ID = int64(next) + 1

	value, err := codec.Marshal(d)
	if err != nil {
		return backend.StorageEngineDescriptor{}, fmt.Errorf("failed to encode engine: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(engineKey(d.ID), value)
	})
	if err != nil {
		return backend.StorageEngineDescriptor{}, err
	}
	return d, nil
}

// RemoveEngine deletes the descriptor matching r
func (s *Store) RemoveEngine(ctx context.Context, r backend.RemovedStorageEngine) error {
	engines, err := s.Engines(ctx)
	if err != nil {
		return err
	}
	for _, d := range engines {
		if r.Matches(d) {
			return s.db.Update(func(txn *badger.Txn) error {
				return txn.Delete(engineKey(d.ID))
			})
		}
	}
	return fmt.Errorf("storage engine %s:%d: %w", r.Host, r.Port, backend.ErrNotFound)
}

// Engines lists descriptors ordered by ID
func (s *Store) Engines(ctx context.Context) ([]backend.StorageEngineDescriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var engines []backend.StorageEngineDescriptor
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{prefixEngine}

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var d backend.StorageEngineDescriptor
			if err := it.Item().Value(func(val []byte) error {
				return codec.Unmarshal(val, &d)
			}); err != nil {
				return fmt.Errorf("failed to decode engine: %w", err)
			}
			engines = append(engines, d)
		}
		return nil
	})
	return engines, err
}

// Close shuts down BadgerDB cleanly
func (s *Store) Close() error {
	return errors.Join(s.seq.Release(), s.db.Close())
}

// RunGC runs BadgerDB's value log garbage collection.
// discardRatio: run GC if this fraction of file can be discarded (0.5 = 50%)
// Returns badger.ErrNoRewrite when nothing needed collecting.
func (s *Store) RunGC(discardRatio float64) error {
	return s.db.RunValueLogGC(discardRatio)
}

// seriesHash hashes a series path for data keys
func seriesHash(path string) uint64 {
	return xxhash.Sum64String(path)
}

// dataKey creates a sortable key: series_hash + key with the sign bit
// flipped so negative keys sort first
func dataKey(hash uint64, key int64) []byte {
	k := make([]byte, 17)
	k[0] = prefixData
	binary.BigEndian.PutUint64(k[1:9], hash)
	binary.BigEndian.PutUint64(k[9:17], uint64(key)^(1<<63))
	return k
}

func parseDataKey(k []byte) int64 {
	return int64(binary.BigEndian.Uint64(k[9:17]) ^ (1 << 63))
}

func columnKey(path string) []byte {
	return append([]byte{prefixColumn}, path...)
}

func engineKey(id int64) []byte {
	k := make([]byte, 9)
	k[0] = prefixEngine
	binary.BigEndian.PutUint64(k[1:], uint64(id))
	return k
}

func encodeValue(v any) ([]byte, error) {
	value, err := backend.NewValue(v)
	if err != nil {
		return nil, err
	}
	return codec.Marshal(value)
}

func decodeValue(data []byte) (any, error) {
	var value backend.Value
	if err := codec.Unmarshal(data, &value); err != nil {
		return nil, err
	}
	return value.Any(), nil
}
