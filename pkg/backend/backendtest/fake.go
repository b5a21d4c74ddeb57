// Package backendtest provides a recording backend for tests.
package backendtest

import (
	"context"
	"sync"

	"github.com/nicktill/tsgate/pkg/backend"
)

// Chunk is one recorded UploadChunk call.
type Chunk struct {
	UploadID string
	Offset   int64
	Data     []byte
}

// Load is one recorded TriggerLoad call.
type Load struct {
	Directive string
	UploadID  string
}

// AddCall is one recorded AddStorageEngine call.
type AddCall struct {
	Host        string
	Port        int
	Type        backend.EngineType
	ExtraParams map[string]string
}

// Fake is a backend.Connector that records every call made through its
// sessions. Error fields inject failures into the matching call.
type Fake struct {
	OpenErr   error
	CloseErr  error
	UploadErr error
	// FailUploadAt fails the chunk with this index (0-based) when UploadErr is set.
	// Negative fails every chunk.
	FailUploadAt int
	LoadErr      error
	QueryErr     error
	AddErr       error
	RemoveErr    error
	ListErr      error
	ColumnsErr   error

	LoadResult backend.LoadResult
	Table      *backend.ResultTable
	Engines    []backend.StorageEngineDescriptor
	Columns    []backend.Column

	mu       sync.Mutex
	opens    int
	closes   int
	chunks   []Chunk
	loads    []Load
	queries  []backend.QuerySpec
	added    []AddCall
	removed  [][]backend.RemovedStorageEngine
	sessions []*session
}

// New returns a Fake that fails nothing.
func New() *Fake {
	return &Fake{FailUploadAt: -1}
}

// Open implements backend.Connector.
func (f *Fake) Open(ctx context.Context) (backend.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	if f.OpenErr != nil {
		return nil, f.OpenErr
	}
	s := &session{fake: f}
	f.sessions = append(f.sessions, s)
	return s, nil
}

// Opens returns the number of Open calls.
func (f *Fake) Opens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

// Closes returns the number of Close calls.
func (f *Fake) Closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

// OpenSessions returns the number of sessions not yet closed.
func (f *Fake) OpenSessions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sessions {
		if !s.closed {
			n++
		}
	}
	return n
}

// Chunks returns the recorded uploads in call order.
func (f *Fake) Chunks() []Chunk {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Chunk(nil), f.chunks...)
}

// Loads returns the recorded load directives.
func (f *Fake) Loads() []Load {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Load(nil), f.loads...)
}

// Queries returns the recorded query specs.
func (f *Fake) Queries() []backend.QuerySpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]backend.QuerySpec(nil), f.queries...)
}

// Added returns the recorded AddStorageEngine calls.
func (f *Fake) Added() []AddCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]AddCall(nil), f.added...)
}

// Removed returns the recorded RemoveStorageEngine calls.
func (f *Fake) Removed() [][]backend.RemovedStorageEngine {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]backend.RemovedStorageEngine(nil), f.removed...)
}

type session struct {
	fake   *Fake
	closed bool
}

func (s *session) UploadChunk(ctx context.Context, uploadID string, offset int64, data []byte) error {
	f := s.fake
	f.mu.Lock()
	defer f.mu.Unlock()
	if s.closed {
		return backend.ErrSessionClosed
	}
	index := len(f.chunks)
	if f.UploadErr != nil && (f.FailUploadAt < 0 || f.FailUploadAt == index) {
		return f.UploadErr
	}
	f.chunks = append(f.chunks, Chunk{
		UploadID: uploadID,
		Offset:   offset,
		Data:     append([]byte(nil), data...),
	})
	return nil
}

func (s *session) TriggerLoad(ctx context.Context, directive, uploadID string) (backend.LoadResult, error) {
	f := s.fake
	f.mu.Lock()
	defer f.mu.Unlock()
	if s.closed {
		return backend.LoadResult{}, backend.ErrSessionClosed
	}
	f.loads = append(f.loads, Load{Directive: directive, UploadID: uploadID})
	if f.LoadErr != nil {
		return backend.LoadResult{}, f.LoadErr
	}
	return f.LoadResult, nil
}

func (s *session) Query(ctx context.Context, spec backend.QuerySpec) (*backend.ResultTable, error) {
	f := s.fake
	f.mu.Lock()
	defer f.mu.Unlock()
	if s.closed {
		return nil, backend.ErrSessionClosed
	}
	f.queries = append(f.queries, spec)
	if f.QueryErr != nil {
		return nil, f.QueryErr
	}
	if f.Table == nil {
		return &backend.ResultTable{}, nil
	}
	return f.Table, nil
}

func (s *session) AddStorageEngine(ctx context.Context, host string, port int, engineType backend.EngineType, extraParams map[string]string) error {
	f := s.fake
	f.mu.Lock()
	defer f.mu.Unlock()
	if s.closed {
		return backend.ErrSessionClosed
	}
	f.added = append(f.added, AddCall{Host: host, Port: port, Type: engineType, ExtraParams: extraParams})
	return f.AddErr
}

func (s *session) RemoveStorageEngine(ctx context.Context, engines []backend.RemovedStorageEngine) error {
	f := s.fake
	f.mu.Lock()
	defer f.mu.Unlock()
	if s.closed {
		return backend.ErrSessionClosed
	}
	f.removed = append(f.removed, engines)
	return f.RemoveErr
}

func (s *session) ListStorageEngines(ctx context.Context) ([]backend.StorageEngineDescriptor, error) {
	f := s.fake
	f.mu.Lock()
	defer f.mu.Unlock()
	if s.closed {
		return nil, backend.ErrSessionClosed
	}
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	return f.Engines, nil
}

func (s *session) ShowColumns(ctx context.Context) ([]backend.Column, error) {
	f := s.fake
	f.mu.Lock()
	defer f.mu.Unlock()
	if s.closed {
		return nil, backend.ErrSessionClosed
	}
	if f.ColumnsErr != nil {
		return nil, f.ColumnsErr
	}
	return f.Columns, nil
}

func (s *session) Close() error {
	f := s.fake
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	s.closed = true
	return f.CloseErr
}
