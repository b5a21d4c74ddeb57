// Package remote speaks the backend session contract over HTTP.
//
// Bodies are CBOR. Chunk payloads are raw bytes compressed with zstd.
//
//	POST   /v1/sessions                              open, returns {session_id}
//	DELETE /v1/sessions/{id}                         close
//	PUT    /v1/sessions/{id}/uploads/{upload}?offset  upload one chunk
//	POST   /v1/sessions/{id}/load                    {directive, upload_id} -> LoadResult
//	POST   /v1/sessions/{id}/query                   QuerySpec -> table
//	GET    /v1/sessions/{id}/engines                 list storage engines
//	POST   /v1/sessions/{id}/engines                 add storage engine
//	POST   /v1/sessions/{id}/engines/remove          remove storage engines
//	GET    /v1/sessions/{id}/columns                 list series
package remote

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/klauspost/compress/zstd"

	"github.com/nicktill/tsgate/pkg/backend"
)

const (
	contentTypeCBOR = "application/cbor"
	encodingZstd    = "zstd"
)

// EncodeAll/DecodeAll on these are safe for concurrent use
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("remote: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(256<<20))
	if err != nil {
		panic("remote: zstd decoder initialization failed: " + err.Error())
	}
}

type openResponse struct {
	SessionID string `cbor:"session_id"`
}

type loadRequest struct {
	Directive string `cbor:"directive"`
	UploadID  string `cbor:"upload_id"`
}

type addEngineRequest struct {
	Host        string             `cbor:"host"`
	Port        int                `cbor:"port"`
	Type        backend.EngineType `cbor:"type"`
	ExtraParams map[string]string  `cbor:"extra_params,omitempty"`
}

type errorResponse struct {
	Error string `cbor:"error"`
}

type wireRecord struct {
	Key    int64                    `cbor:"key"`
	Values map[string]backend.Value `cbor:"values"`
}

type wireTable struct {
	Columns      []string     `cbor:"columns"`
	HasTimestamp bool         `cbor:"has_timestamp"`
	Records      []wireRecord `cbor:"records"`
}

func encodeTable(t *backend.ResultTable) (wireTable, error) {
	wt := wireTable{
		Columns:      t.Header.Columns,
		HasTimestamp: t.Header.HasTimestamp,
		Records:      make([]wireRecord, 0, len(t.Records)),
	}
	for _, r := range t.Records {
		values := make(map[string]backend.Value, len(r.Values))
		for name, v := range r.Values {
			value, err := backend.NewValue(v)
			if err != nil {
				return wireTable{}, fmt.Errorf("column %s: %w", name, err)
			}
			values[name] = value
		}
		wt.Records = append(wt.Records, wireRecord{Key: r.Key, Values: values})
	}
	return wt, nil
}

func decodeTable(wt wireTable) *backend.ResultTable {
	t := &backend.ResultTable{
		Header:  backend.Header{Columns: wt.Columns, HasTimestamp: wt.HasTimestamp},
		Records: make([]backend.Record, 0, len(wt.Records)),
	}
	for _, r := range wt.Records {
		values := make(map[string]any, len(r.Values))
		for name, v := range r.Values {
			values[name] = v.Any()
		}
		t.Records = append(t.Records, backend.Record{Key: r.Key, Values: values})
	}
	return t
}

// statusFor maps a session error to an HTTP status
func statusFor(err error) int {
	switch {
	case errors.Is(err, backend.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, backend.ErrOffsetMismatch):
		return http.StatusConflict
	case errors.Is(err, backend.ErrSessionClosed):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

// errorFor maps an HTTP status back to a session error
func errorFor(status int, message string) error {
	switch status {
	case http.StatusNotFound:
		return fmt.Errorf("%s: %w", message, backend.ErrNotFound)
	case http.StatusConflict:
		return fmt.Errorf("%s: %w", message, backend.ErrOffsetMismatch)
	case http.StatusGone:
		return fmt.Errorf("%s: %w", message, backend.ErrSessionClosed)
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return fmt.Errorf("%s: %w", message, backend.ErrBackendUnavailable)
	default:
		return fmt.Errorf("backend error (status %d): %s", status, message)
	}
}
