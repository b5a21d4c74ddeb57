package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/nicktill/tsgate/pkg/backend"
	"github.com/nicktill/tsgate/pkg/config"
	"github.com/nicktill/tsgate/pkg/logging"
	"github.com/nicktill/tsgate/pkg/metrics"
)

// ErrEmptyFile is returned for uploads with no bytes
var ErrEmptyFile = fmt.Errorf("%w: file is empty", backend.ErrValidation)

// PipelineConfig configures a Pipeline
type PipelineConfig struct {
	// Fs holds staged files (default: the OS filesystem)
	Fs afero.Fs
	// TempDir is where uploads are staged (default: the OS temp dir)
	TempDir string
	// ChunkSize is the upload chunk size in bytes (default: 1 MiB)
	ChunkSize int
	// CallTimeout bounds session open and each chunk upload
	CallTimeout time.Duration
	// LoadTimeout bounds the load directive, which parses the whole file
	LoadTimeout time.Duration
	Logger      *zap.Logger
	// Now is the clock used for upload identifiers
	Now func() time.Time
}

// Pipeline imports files into the backend: stage locally, upload in
// fixed-size chunks, then trigger one server-side load.
type Pipeline struct {
	connector   backend.Connector
	fs          afero.Fs
	tempDir     string
	chunkSize   int
	callTimeout time.Duration
	loadTimeout time.Duration
	logger      *zap.Logger
	now         func() time.Time
}

// ImportOutcome is the result of one import. RecordCount and Columns are
// only set on success.
type ImportOutcome struct {
	backend.Outcome
	UploadID    string
	RecordCount int64
	Columns     []string
}

// NewPipeline creates an import pipeline
func NewPipeline(connector backend.Connector, cfg PipelineConfig) *Pipeline {
	p := &Pipeline{
		connector:   connector,
		fs:          cfg.Fs,
		tempDir:     cfg.TempDir,
		chunkSize:   cfg.ChunkSize,
		callTimeout: cfg.CallTimeout,
		loadTimeout: cfg.LoadTimeout,
		logger:      logging.OrNop(cfg.Logger),
		now:         cfg.Now,
	}
	if p.fs == nil {
		p.fs = afero.NewOsFs()
	}
	if p.tempDir == "" {
		p.tempDir = os.TempDir()
	}
	if p.chunkSize <= 0 {
		p.chunkSize = config.ImportChunkSize
	}
	if p.callTimeout <= 0 {
		p.callTimeout = config.BackendCallTimeout
	}
	if p.loadTimeout <= 0 {
		p.loadTimeout = config.BackendLoadTimeout
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

// NewUploadID returns a backend-side file name: creation millis plus a
// random suffix, so concurrent imports in the same millisecond differ.
func NewUploadID(t time.Time) string {
	return fmt.Sprintf("%d-%s.csv", t.UnixMilli(), uuid.NewString()[:8])
}

// ImportFile streams r into the backend under targetPrefix. declaredName is
// the client's file name; it is logged but never sent to the backend.
//
// The staged file is deleted and the session closed on every path. Cleanup
// failures are logged; when they are the only failure the outcome is a
// degraded success.
func (p *Pipeline) ImportFile(ctx context.Context, r io.Reader, declaredName, targetPrefix string) (out ImportOutcome) {
	logger := p.logger.With(zap.String("file", declaredName), zap.String("target", targetPrefix))

	session, err := backend.Open(ctx, p.connector, p.callTimeout)
	if err != nil {
		logger.Error("import failed", zap.Bool("retryable", backend.IsRetryable(err)), zap.Error(err))
		metrics.Imports.WithLabelValues("failure").Inc()
		return ImportOutcome{Outcome: backend.NewOutcome(err, "", "import failed")}
	}

	uploadID := NewUploadID(p.now())
	out.UploadID = uploadID
	logger = logger.With(zap.String("upload_id", uploadID))

	var (
		staged   afero.File
		columns  []string
		records  int64
		opErr    error
		cleanErr error
	)

	defer func() {
		cleanErr = p.cleanup(staged, session, logger)
		err := errors.Join(opErr, cleanErr)

		out.Outcome = backend.NewOutcome(err,
			fmt.Sprintf("import succeeded, %d records loaded", records),
			"import failed")
		if out.Success {
			out.RecordCount = records
			out.Columns = columns
		}

		switch {
		case !out.Success:
			logger.Error("import failed", zap.Bool("retryable", backend.IsRetryable(err)), zap.Error(err))
			metrics.Imports.WithLabelValues("failure").Inc()
		case out.Degraded:
			logger.Warn("import succeeded with cleanup errors", zap.Int64("records", records), zap.Error(err))
			metrics.Imports.WithLabelValues("degraded").Inc()
		default:
			logger.Info("import succeeded", zap.Int64("records", records))
			metrics.Imports.WithLabelValues("success").Inc()
		}
	}()

	staged, opErr = afero.TempFile(p.fs, p.tempDir, "tsgate_upload_*.csv")
	if opErr != nil {
		opErr = fmt.Errorf("failed to create staging file: %w", opErr)
		return out
	}

	size, err := io.Copy(staged, r)
	if err != nil {
		opErr = fmt.Errorf("failed to stage upload: %w", err)
		return out
	}
	if size == 0 {
		opErr = ErrEmptyFile
		return out
	}
	if _, err := staged.Seek(0, io.SeekStart); err != nil {
		opErr = fmt.Errorf("failed to rewind staging file: %w", err)
		return out
	}

	if opErr = p.uploadChunks(ctx, session, staged, uploadID); opErr != nil {
		return out
	}

	directive := backend.LoadDirective(uploadID, targetPrefix)
	opErr = backend.Call(ctx, p.loadTimeout, "load", func(ctx context.Context) error {
		result, err := session.TriggerLoad(ctx, directive, uploadID)
		if err != nil {
			return err
		}
		columns, records = result.Columns, result.RecordCount
		return nil
	})
	if opErr != nil {
		opErr = fmt.Errorf("load directive failed: %w", opErr)
	}
	return out
}

// uploadChunks sends src in order. Each chunk carries the byte offset of its
// first byte; a failure after any chunk aborts the import.
func (p *Pipeline) uploadChunks(ctx context.Context, session backend.Session, src io.Reader, uploadID string) error {
	buf := make([]byte, p.chunkSize)
	var offset int64

	for {
		n, readErr := io.ReadFull(src, buf)
		if n > 0 {
			chunk := buf[:n]
			err := backend.Call(ctx, p.callTimeout, "upload_chunk", func(ctx context.Context) error {
				return session.UploadChunk(ctx, uploadID, offset, chunk)
			})
			if err != nil {
				return fmt.Errorf("chunk at offset %d: %w: %w", offset, backend.ErrPartialTransfer, err)
			}
			offset += int64(n)
			metrics.ImportChunks.Inc()
			metrics.ImportBytes.Add(float64(n))
		}

		switch {
		case readErr == nil:
			continue
		case errors.Is(readErr, io.EOF), errors.Is(readErr, io.ErrUnexpectedEOF):
			return nil
		default:
			return fmt.Errorf("failed to read staging file at offset %d: %w", offset, readErr)
		}
	}
}

// cleanup removes the staged file and closes the session. Both are always
// attempted.
func (p *Pipeline) cleanup(staged afero.File, session backend.Session, logger *zap.Logger) error {
	var errs []error

	if staged != nil {
		name := staged.Name()
		if err := staged.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			logger.Warn("failed to close staging file", zap.String("path", name), zap.Error(err))
		}
		if err := p.fs.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn("failed to delete staging file", zap.String("path", name), zap.Error(err))
			errs = append(errs, &backend.CleanupError{Op: "delete staging file", Err: err})
		}
	}

	if err := session.Close(); err != nil {
		logger.Warn("failed to close session", zap.Error(err))
		errs = append(errs, &backend.CleanupError{Op: "close session", Err: err})
	}
	return errors.Join(errs...)
}
