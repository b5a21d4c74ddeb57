// Package data serves the /api/data routes: synchronous query, CSV import,
// and CSV export over HTTP or websocket.
package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nicktill/tsgate/pkg/backend"
	"github.com/nicktill/tsgate/pkg/config"
	"github.com/nicktill/tsgate/pkg/export"
	"github.com/nicktill/tsgate/pkg/httpx"
	"github.com/nicktill/tsgate/pkg/ingest"
	"github.com/nicktill/tsgate/pkg/logging"
	"github.com/nicktill/tsgate/pkg/query"
)

// Config configures a Handler
type Config struct {
	// TimeColumn names the timestamp column in query and export output
	TimeColumn string
	// CallTimeout bounds session open and the query call
	CallTimeout time.Duration
	// MaxUploadSize caps an import request body in bytes
	MaxUploadSize int64
	// MaxFormMemory is how much of a multipart form is held in memory
	MaxFormMemory int64
}

// Handler serves /api/data routes
type Handler struct {
	connector     backend.Connector
	pipeline      *ingest.Pipeline
	timeColumn    string
	callTimeout   time.Duration
	maxUploadSize int64
	maxFormMemory int64
	logger        *zap.Logger
	now           func() time.Time
}

// ImportConfig is the JSON carried in the "config" part of an import form.
type ImportConfig struct {
	TargetPath string `json:"targetPath" validate:"required,notblank"`
}

// ImportResult is the data of a successful import response.
type ImportResult struct {
	UploadID    string   `json:"uploadId"`
	RecordCount int64    `json:"recordCount"`
	Columns     []string `json:"columns"`
}

// NewHandler creates a data handler
func NewHandler(connector backend.Connector, pipeline *ingest.Pipeline, cfg Config, logger *zap.Logger) *Handler {
	h := &Handler{
		connector:     connector,
		pipeline:      pipeline,
		timeColumn:    cfg.TimeColumn,
		callTimeout:   cfg.CallTimeout,
		maxUploadSize: cfg.MaxUploadSize,
		maxFormMemory: cfg.MaxFormMemory,
		logger:        logging.OrNop(logger),
		now:           time.Now,
	}
	if h.timeColumn == "" {
		h.timeColumn = config.DefaultTimeColumn
	}
	if h.callTimeout <= 0 {
		h.callTimeout = config.BackendCallTimeout
	}
	if h.maxUploadSize <= 0 {
		h.maxUploadSize = config.ImportMaxUploadSize
	}
	if h.maxFormMemory <= 0 {
		h.maxFormMemory = config.ImportMaxFormMemory
	}
	return h
}

// HandleQuery handles POST /api/data/query
func (h *Handler) HandleQuery(w http.ResponseWriter, r *http.Request) {
	var req query.QueryRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.ParamError(w, httpx.ValidationMessage(err))
		return
	}

	table, err := h.runQuery(r.Context(), req)
	if err != nil {
		httpx.BackendFailure(w, "query failed", err)
		return
	}
	httpx.Success(w, "", export.Materialize(table, h.timeColumn))
}

// HandleImport handles POST /api/data/import. The form carries a "config"
// part with the target path and a "file" part with the CSV.
func (h *Handler) HandleImport(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize)
	if err := r.ParseMultipartForm(h.maxFormMemory); err != nil {
		httpx.ParamError(w, fmt.Sprintf("invalid multipart form: %v", err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	cfg, err := h.importConfig(r)
	if err != nil {
		httpx.ParamError(w, httpx.ValidationMessage(err))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		httpx.ParamError(w, "file: must not be empty; ")
		return
	}
	defer file.Close()

	out := h.pipeline.ImportFile(r.Context(), file, header.Filename, cfg.TargetPath)
	if !out.Success {
		if errors.Is(out.Cause, backend.ErrValidation) {
			httpx.ParamError(w, httpx.ValidationMessage(out.Cause))
			return
		}
		httpx.Failure(w, out.Message)
		return
	}

	columns := out.Columns
	if columns == nil {
		columns = []string{}
	}
	httpx.Success(w, out.Message, ImportResult{
		UploadID:    out.UploadID,
		RecordCount: out.RecordCount,
		Columns:     columns,
	})
}

// importConfig reads the config part, sent either as a plain field or as a
// JSON file part.
func (h *Handler) importConfig(r *http.Request) (ImportConfig, error) {
	var raw []byte
	if values := r.MultipartForm.Value["config"]; len(values) > 0 {
		raw = []byte(values[0])
	} else if files := r.MultipartForm.File["config"]; len(files) > 0 {
		f, err := files[0].Open()
		if err != nil {
			return ImportConfig{}, fmt.Errorf("%w: config: %v", backend.ErrValidation, err)
		}
		defer f.Close()
		raw, err = io.ReadAll(io.LimitReader(f, httpx.MaxJSONBody))
		if err != nil {
			return ImportConfig{}, fmt.Errorf("%w: config: %v", backend.ErrValidation, err)
		}
	}
	if len(raw) == 0 {
		return ImportConfig{}, fmt.Errorf("%w: config: must not be empty; ", backend.ErrValidation)
	}

	var cfg ImportConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return ImportConfig{}, fmt.Errorf("%w: config: invalid JSON: %v", backend.ErrValidation, err)
	}
	return cfg, httpx.Validate(cfg)
}

// HandleExport handles POST /api/data/export. Rows are flushed to the client
// one line at a time; a client that goes away ends the export quietly.
func (h *Handler) HandleExport(w http.ResponseWriter, r *http.Request) {
	var req query.QueryRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.ParamError(w, httpx.ValidationMessage(err))
		return
	}

	table, err := h.runQuery(r.Context(), req)
	if err != nil {
		httpx.BackendFailure(w, "export failed", err)
		return
	}

	sink := export.NewHTTPSink(w, export.Filename(h.now()))
	h.logStats("http", export.StreamTo(r.Context(), table, sink, h.timeColumn))
}

// HandleExportWS handles GET /api/data/export/ws. The client sends the query
// JSON as its first text frame and receives one text frame per CSV line,
// then a normal close.
func (h *Handler) HandleExportWS(w http.ResponseWriter, r *http.Request) {
	conn, err := export.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	sink := export.NewWSSink(conn)

	conn.SetReadLimit(httpx.MaxJSONBody)
	conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
	msgType, msg, err := conn.ReadMessage()
	if err != nil {
		h.logger.Info("websocket export: client left before sending a query", zap.Error(err))
		_ = conn.Close()
		return
	}
	if msgType != websocket.TextMessage {
		_ = sink.CloseWithError(websocket.CloseUnsupportedData, "query must be a text frame")
		return
	}

	var req query.QueryRequest
	if err := json.Unmarshal(msg, &req); err != nil {
		_ = sink.CloseWithError(websocket.CloseInvalidFramePayloadData, "invalid JSON: "+err.Error())
		return
	}
	if err := httpx.Validate(req); err != nil {
		_ = sink.CloseWithError(websocket.ClosePolicyViolation, httpx.ValidationMessage(err))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go export.WatchClose(conn, cancel)
	go sink.KeepAlive(ctx)

	table, err := h.runQuery(ctx, req)
	if err != nil {
		_ = sink.CloseWithError(websocket.CloseInternalServerErr, "export failed")
		return
	}

	h.logStats("websocket", export.StreamTo(ctx, table, sink, h.timeColumn))
	_ = sink.Close()
}

// runQuery plans req and runs it in its own session. A session close failure
// after a successful query is logged and the table is kept.
func (h *Handler) runQuery(ctx context.Context, req query.QueryRequest) (*backend.ResultTable, error) {
	spec := query.Plan(req)

	var table *backend.ResultTable
	err := backend.WithSession(ctx, h.connector, h.callTimeout, func(ctx context.Context, s backend.Session) error {
		return backend.Call(ctx, h.callTimeout, "query", func(ctx context.Context) error {
			var err error
			table, err = s.Query(ctx, spec)
			return err
		})
	})
	if err != nil && !backend.CleanupOnly(err) {
		h.logger.Error("query failed",
			zap.Strings("paths", spec.Paths),
			zap.Bool("retryable", backend.IsRetryable(err)),
			zap.Error(err))
		return nil, fmt.Errorf("query failed: %w", err)
	}
	if err != nil {
		h.logger.Warn("query: cleanup failed", zap.Error(err))
	}

	h.logger.Debug("query executed",
		zap.Stringer("kind", spec.Kind),
		zap.Strings("paths", spec.Paths),
		zap.Int64("start", spec.StartKey),
		zap.Int64("end", spec.EndKey))
	return table, nil
}

func (h *Handler) logStats(transport string, stats export.Stats) {
	if stats.Disconnected {
		h.logger.Info("export ended early: client disconnected",
			zap.String("transport", transport),
			zap.Int("rows", stats.Rows),
			zap.Error(stats.Cause))
		return
	}
	h.logger.Info("export complete", zap.String("transport", transport), zap.Int("rows", stats.Rows))
}
