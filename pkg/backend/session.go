package backend

import (
	"context"
	"fmt"
)

// Connector opens sessions against a storage backend.
// Implementations: engine (embedded node), remote (HTTP client to a node).
//
// Every gateway operation opens its own session and closes it when done.
// Sessions are never shared across concurrent operations.
type Connector interface {
	// Open establishes a new session. The caller owns the session and
	// must Close it.
	Open(ctx context.Context) (Session, error)
}

// Session is a stateful connection to the backend.
// A Session is not safe for concurrent use.
type Session interface {
	// UploadChunk sends one piece of a staged upload. Offsets must be sent in
	// strictly increasing order with no gaps or overlaps. The session must not
	// retain data after the call returns.
	UploadChunk(ctx context.Context, uploadID string, offset int64, data []byte) error

	// TriggerLoad runs a load directive against a completed upload and
	// returns the loaded column names and the number of records ingested.
	TriggerLoad(ctx context.Context, directive, uploadID string) (LoadResult, error)

	// Query executes a planned query
	Query(ctx context.Context, spec QuerySpec) (*ResultTable, error)

	// AddStorageEngine registers a storage node with the backend
	AddStorageEngine(ctx context.Context, host string, port int, engineType EngineType, extraParams map[string]string) error

	// RemoveStorageEngine unregisters storage nodes by tuple
	RemoveStorageEngine(ctx context.Context, engines []RemovedStorageEngine) error

	// ListStorageEngines returns every registered storage node
	ListStorageEngines(ctx context.Context) ([]StorageEngineDescriptor, error)

	// ShowColumns returns every series path known to the backend
	ShowColumns(ctx context.Context) ([]Column, error)

	// Close ends the session
	Close() error
}

// LoadResult is what the backend reports after a load directive.
type LoadResult struct {
	Columns     []string `json:"columns" cbor:"columns"`
	RecordCount int64    `json:"record_count" cbor:"record_count"`
}

// LoadDirective builds the statement TriggerLoad expects for a staged CSV upload.
func LoadDirective(uploadID, targetPrefix string) string {
	return fmt.Sprintf("LOAD DATA FROM INFILE '%s' AS CSV INTO %s;", uploadID, targetPrefix)
}
