// Package engine implements a self-contained backend node over a Store.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/nicktill/tsgate/pkg/backend"
)

// Config holds engine configuration
type Config struct {
	// UploadDir is where chunked uploads are staged (default: os.TempDir())
	UploadDir string

	// Fs holds staged uploads (default: the OS filesystem)
	Fs afero.Fs

	Logger *zap.Logger
}

// Engine is an embedded backend node. It implements backend.Connector;
// every Open returns an independent session.
type Engine struct {
	store     Store
	fs        afero.Fs
	uploadDir string
	logger    *zap.Logger

	mu      sync.Mutex
	uploads map[string]*upload
}

// upload is a staged file being assembled from chunks
type upload struct {
	mu   sync.Mutex
	path string
	size int64
}

// New creates an engine over store
func New(store Store, cfg Config) (*Engine, error) {
	dir := cfg.UploadDir
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "tsgate-uploads")
	}
	fs := cfg.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Engine{
		store:     store,
		fs:        fs,
		uploadDir: dir,
		logger:    logger,
		uploads:   make(map[string]*upload),
	}, nil
}

// Store returns the underlying store
func (e *Engine) Store() Store {
	return e.store
}

// Open implements backend.Connector
func (e *Engine) Open(ctx context.Context) (backend.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Session{engine: e, uploads: make(map[string]*upload)}, nil
}

// Close removes staged uploads and closes the store
func (e *Engine) Close() error {
	e.mu.Lock()
	for id, up := range e.uploads {
		if err := e.fs.Remove(up.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			e.logger.Warn("failed to remove staged upload", zap.String("upload_id", id), zap.Error(err))
		}
		delete(e.uploads, id)
	}
	e.mu.Unlock()
	return e.store.Close()
}

func (e *Engine) stagedUpload(uploadID string, create bool) (*upload, error) {
	if uploadID == "" || strings.ContainsAny(uploadID, `/\`) || strings.Contains(uploadID, "..") {
		return nil, fmt.Errorf("invalid upload id %q", uploadID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	up, ok := e.uploads[uploadID]
	if ok {
		return up, nil
	}
	if !create {
		return nil, fmt.Errorf("upload %q: %w", uploadID, backend.ErrNotFound)
	}
	up = &upload{path: filepath.Join(e.uploadDir, uploadID)}
	e.uploads[uploadID] = up
	return up, nil
}

// dropUpload forgets an upload and deletes its staged file. When owner is
// set, only that exact upload is dropped.
func (e *Engine) dropUpload(uploadID string, owner *upload) bool {
	e.mu.Lock()
	up, ok := e.uploads[uploadID]
	if ok && owner != nil && up != owner {
		ok = false
	}
	if ok {
		delete(e.uploads, uploadID)
	}
	e.mu.Unlock()
	if !ok {
		return false
	}
	if err := e.fs.Remove(up.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		e.logger.Warn("failed to remove staged upload", zap.String("upload_id", uploadID), zap.Error(err))
	}
	return true
}

// appendChunk writes data at offset. The offset must equal the bytes
// received so far: gaps and overlaps are rejected.
func (e *Engine) appendChunk(uploadID string, offset int64, data []byte) (*upload, error) {
	up, err := e.stagedUpload(uploadID, offset == 0)
	if err != nil {
		return nil, err
	}

	up.mu.Lock()
	defer up.mu.Unlock()

	if offset != up.size {
		return up, fmt.Errorf("upload %q: got offset %d, expected %d: %w", uploadID, offset, up.size, backend.ErrOffsetMismatch)
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_APPEND
	if offset == 0 {
		flags |= os.O_TRUNC
	}
	f, err := e.fs.OpenFile(up.path, flags, 0o600)
	if err != nil {
		return up, fmt.Errorf("failed to open staged upload: %w", err)
	}
	n, err := f.Write(data)
	closeErr := f.Close()
	up.size += int64(n)
	if err != nil {
		return up, fmt.Errorf("failed to write chunk: %w", err)
	}
	if closeErr != nil {
		return up, fmt.Errorf("failed to write chunk: %w", closeErr)
	}
	return up, nil
}

func (e *Engine) load(ctx context.Context, directive, uploadID string) (backend.LoadResult, error) {
	d, err := ParseLoadDirective(directive)
	if err != nil {
		return backend.LoadResult{}, err
	}
	if d.File != uploadID {
		return backend.LoadResult{}, fmt.Errorf("directive file %q does not match upload %q", d.File, uploadID)
	}

	up, err := e.stagedUpload(uploadID, false)
	if err != nil {
		return backend.LoadResult{}, err
	}
	// The upload is consumed whether or not the load succeeds
	defer e.dropUpload(uploadID, nil)

	up.mu.Lock()
	defer up.mu.Unlock()

	f, err := e.fs.Open(up.path)
	if err != nil {
		return backend.LoadResult{}, fmt.Errorf("failed to open staged upload: %w", err)
	}
	defer f.Close()

	columns, rows, err := loadCSV(ctx, e.store, f, d.Prefix)
	if err != nil {
		return backend.LoadResult{}, fmt.Errorf("load %s: %w", uploadID, err)
	}

	e.logger.Info("loaded upload",
		zap.String("upload_id", uploadID),
		zap.String("prefix", d.Prefix),
		zap.Int("columns", len(columns)),
		zap.Int64("records", rows))

	return backend.LoadResult{Columns: columns, RecordCount: rows}, nil
}

// resolvePaths expands patterns against known series. A trailing "*"
// matches every series with that prefix. Unknown exact paths are dropped.
func (e *Engine) resolvePaths(ctx context.Context, patterns []string) ([]string, error) {
	columns, err := e.store.Columns(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var paths []string
	for _, pattern := range patterns {
		prefix, wildcard := strings.CutSuffix(pattern, "*")
		for _, col := range columns {
			match := col.Path == pattern
			if wildcard {
				match = strings.HasPrefix(col.Path, prefix)
			}
			if match && !seen[col.Path] {
				seen[col.Path] = true
				paths = append(paths, col.Path)
			}
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func (e *Engine) query(ctx context.Context, spec backend.QuerySpec) (*backend.ResultTable, error) {
	if len(spec.Paths) == 0 {
		return nil, fmt.Errorf("query needs at least one path")
	}
	if spec.EndKey <= spec.StartKey {
		return nil, fmt.Errorf("empty key range [%d, %d)", spec.StartKey, spec.EndKey)
	}

	paths, err := e.resolvePaths(ctx, spec.Paths)
	if err != nil {
		return nil, err
	}

	rows := make(map[int64]map[string]any)
	var columns []string

	for _, path := range paths {
		switch spec.Kind {
		case backend.QueryDownsample:
			column := aggregateColumn(spec.Aggregate, path)
			columns = append(columns, column)
			if err := e.downsample(ctx, spec, path, column, rows); err != nil {
				return nil, err
			}
		default:
			columns = append(columns, path)
			err := e.store.Scan(ctx, path, spec.StartKey, spec.EndKey, func(p Point) error {
				row(rows, p.Key)[path] = p.Value
				return nil
			})
			if err != nil {
				return nil, fmt.Errorf("failed to scan %s: %w", path, err)
			}
		}
	}

	keys := make([]int64, 0, len(rows))
	for key := range rows {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	table := &backend.ResultTable{
		Header:  backend.Header{Columns: columns, HasTimestamp: true},
		Records: make([]backend.Record, 0, len(keys)),
	}
	for _, key := range keys {
		table.Records = append(table.Records, backend.Record{Key: key, Values: rows[key]})
	}
	return table, nil
}

func (e *Engine) downsample(ctx context.Context, spec backend.QuerySpec, path, column string, rows map[int64]map[string]any) error {
	precision := spec.Precision
	if precision <= 0 {
		precision = 1000
	}
	width := spec.TimeUnit.BucketWidth(precision)

	var current *Aggregate
	emit := func() {
		if current == nil {
			return
		}
		if v := current.Result(spec.Aggregate); v != nil {
			row(rows, current.Bucket)[column] = v
		}
	}

	err := e.store.Scan(ctx, path, spec.StartKey, spec.EndKey, func(p Point) error {
		bucket := bucketStart(p.Key, spec.StartKey, width)
		if current == nil || current.Bucket != bucket {
			emit()
			current = newAggregate(bucket)
		}
		current.Add(p.Value)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to downsample %s: %w", path, err)
	}
	emit()
	return nil
}

func row(rows map[int64]map[string]any, key int64) map[string]any {
	r, ok := rows[key]
	if !ok {
		r = make(map[string]any)
		rows[key] = r
	}
	return r
}

// Session is one open connection to an Engine. Uploads a session touched
// and never loaded are dropped when it closes.
type Session struct {
	engine *Engine
	closed atomic.Bool

	mu      sync.Mutex
	uploads map[string]*upload
}

func (s *Session) check(ctx context.Context) error {
	if s.closed.Load() {
		return backend.ErrSessionClosed
	}
	return ctx.Err()
}

// UploadChunk implements backend.Session
func (s *Session) UploadChunk(ctx context.Context, uploadID string, offset int64, data []byte) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	up, err := s.engine.appendChunk(uploadID, offset, data)
	if up != nil {
		s.mu.Lock()
		closed := s.uploads == nil
		if !closed {
			s.uploads[uploadID] = up
		}
		s.mu.Unlock()
		if closed {
			s.engine.dropUpload(uploadID, up)
		}
	}
	return err
}

// TriggerLoad implements backend.Session
func (s *Session) TriggerLoad(ctx context.Context, directive, uploadID string) (backend.LoadResult, error) {
	if err := s.check(ctx); err != nil {
		return backend.LoadResult{}, err
	}
	return s.engine.load(ctx, directive, uploadID)
}

// Query implements backend.Session
func (s *Session) Query(ctx context.Context, spec backend.QuerySpec) (*backend.ResultTable, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	return s.engine.query(ctx, spec)
}

// AddStorageEngine implements backend.Session
func (s *Session) AddStorageEngine(ctx context.Context, host string, port int, engineType backend.EngineType, extraParams map[string]string) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if host == "" || port <= 0 || port > 65535 {
		return fmt.Errorf("invalid storage engine address %s:%d", host, port)
	}

	params := make(map[string]string, len(extraParams))
	for k, v := range extraParams {
		params[k] = v
	}
	d := backend.StorageEngineDescriptor{
		Host:         host,
		Port:         port,
		Type:         engineType,
		SchemaPrefix: params[backend.ParamSchemaPrefix],
		DataPrefix:   params[backend.ParamDataPrefix],
		ExtraParams:  params,
	}

	added, err := s.engine.store.AddEngine(ctx, d)
	if err != nil {
		return err
	}
	s.engine.logger.Info("storage engine added",
		zap.Int64("id", added.ID),
		zap.String("host", host),
		zap.Int("port", port),
		zap.Stringer("type", engineType))
	return nil
}

// RemoveStorageEngine implements backend.Session. Every tuple is attempted;
// the first failure is returned.
func (s *Session) RemoveStorageEngine(ctx context.Context, engines []backend.RemovedStorageEngine) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	var errs []error
	for _, r := range engines {
		if err := s.engine.store.RemoveEngine(ctx, r); err != nil {
			errs = append(errs, fmt.Errorf("remove %s:%d: %w", r.Host, r.Port, err))
		}
	}
	return errors.Join(errs...)
}

// ListStorageEngines implements backend.Session
func (s *Session) ListStorageEngines(ctx context.Context) ([]backend.StorageEngineDescriptor, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	return s.engine.store.Engines(ctx)
}

// ShowColumns implements backend.Session
func (s *Session) ShowColumns(ctx context.Context) ([]backend.Column, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	return s.engine.store.Columns(ctx)
}

// Close implements backend.Session. Closing twice is an error.
func (s *Session) Close() error {
	if s.closed.Swap(true) {
		return backend.ErrSessionClosed
	}

	s.mu.Lock()
	uploads := s.uploads
	s.uploads = nil
	s.mu.Unlock()

	for id, up := range uploads {
		if s.engine.dropUpload(id, up) {
			s.engine.logger.Info("dropped unloaded upload on session close", zap.String("upload_id", id))
		}
	}
	return nil
}
