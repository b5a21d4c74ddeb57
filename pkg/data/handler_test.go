package data

import (
	"bytes"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/nicktill/tsgate/pkg/backend"
	"github.com/nicktill/tsgate/pkg/backend/backendtest"
	"github.com/nicktill/tsgate/pkg/httpx"
	"github.com/nicktill/tsgate/pkg/ingest"
)

func sampleTable() *backend.ResultTable {
	return &backend.ResultTable{
		Header: backend.Header{Columns: []string{"root.sg.a", "root.sg.b"}, HasTimestamp: true},
		Records: []backend.Record{
			{Key: 1, Values: map[string]any{"root.sg.a": int64(10), "root.sg.b": 1.5}},
			{Key: 2, Values: map[string]any{"root.sg.a": int64(11)}},
		},
	}
}

func newTestHandler(fake *backendtest.Fake) (*Handler, afero.Fs) {
	fs := afero.NewMemMapFs()
	pipeline := ingest.NewPipeline(fake, ingest.PipelineConfig{Fs: fs, TempDir: "/staging", ChunkSize: 4})
	return NewHandler(fake, pipeline, Config{}, nil), fs
}

func decodeResult(t *testing.T, rr *httptest.ResponseRecorder) httpx.Result {
	t.Helper()
	var res httpx.Result
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	return res
}

func TestHandleQuery(t *testing.T) {
	fake := backendtest.New()
	fake.Table = sampleTable()
	handler, _ := newTestHandler(fake)

	body := `{"paths":["root.sg.a","root.sg.b"],"startTime":0,"endTime":100}`
	rr := httptest.NewRecorder()
	handler.HandleQuery(rr, httptest.NewRequest(http.MethodPost, "/api/data/query", strings.NewReader(body)))

	require.Equal(t, http.StatusOK, rr.Code)
	var res struct {
		Code int `json:"code"`
		Data struct {
			Columns []string         `json:"columns"`
			Rows    []map[string]any `json:"rows"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	require.Equal(t, httpx.CodeSuccess, res.Code)
	require.Equal(t, []string{"Time", "root.sg.a", "root.sg.b"}, res.Data.Columns)
	require.Len(t, res.Data.Rows, 2)
	require.Equal(t, float64(1), res.Data.Rows[0]["Time"])

	queries := fake.Queries()
	require.Len(t, queries, 1)
	require.Equal(t, backend.QuerySimple, queries[0].Kind)
	require.Equal(t, int64(100), queries[0].EndKey)
	require.Equal(t, 0, fake.OpenSessions())
}

func TestHandleQuery_Downsample(t *testing.T) {
	fake := backendtest.New()
	handler, _ := newTestHandler(fake)

	body := `{"paths":["a.b"],"aggregateType":4,"precision":5000,"timePrecision":6}`
	rr := httptest.NewRecorder()
	handler.HandleQuery(rr, httptest.NewRequest(http.MethodPost, "/api/data/query", strings.NewReader(body)))

	require.Equal(t, http.StatusOK, rr.Code)
	queries := fake.Queries()
	require.Len(t, queries, 1)
	require.Equal(t, backend.QueryDownsample, queries[0].Kind)
	require.Equal(t, backend.AggregateAvg, queries[0].Aggregate)
	require.Equal(t, backend.TimeUnitSecond, queries[0].TimeUnit)
}

func TestHandleQuery_Validation(t *testing.T) {
	fake := backendtest.New()
	handler, _ := newTestHandler(fake)

	rr := httptest.NewRecorder()
	handler.HandleQuery(rr, httptest.NewRequest(http.MethodPost, "/api/data/query", strings.NewReader(`{"paths":[]}`)))

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, httpx.CodeParamError, decodeResult(t, rr).Code)
	require.Zero(t, fake.Opens())

	rr = httptest.NewRecorder()
	handler.HandleQuery(rr, httptest.NewRequest(http.MethodPost, "/api/data/query", strings.NewReader(`{not json`)))
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandleQuery_BackendDown(t *testing.T) {
	fake := backendtest.New()
	fake.OpenErr = errors.New("connection refused")
	handler, _ := newTestHandler(fake)

	rr := httptest.NewRecorder()
	handler.HandleQuery(rr, httptest.NewRequest(http.MethodPost, "/api/data/query", strings.NewReader(`{"paths":["a"]}`)))

	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestHandleQuery_FailureHidesBackendDetail(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	fake := backendtest.New()
	fake.QueryErr = errors.New("iotdb internal: table root.secret.x corrupted at /var/lib/node3")
	fs := afero.NewMemMapFs()
	pipeline := ingest.NewPipeline(fake, ingest.PipelineConfig{Fs: fs, TempDir: "/staging"})
	handler := NewHandler(fake, pipeline, Config{}, zap.New(core))

	rr := httptest.NewRecorder()
	handler.HandleQuery(rr, httptest.NewRequest(http.MethodPost, "/api/data/query", strings.NewReader(`{"paths":["a"]}`)))

	require.Equal(t, http.StatusInternalServerError, rr.Code)
	require.Equal(t, "query failed", decodeResult(t, rr).Message)
	require.NotContains(t, rr.Body.String(), "secret")

	// the cause stays in the log
	entries := logs.FilterMessage("query failed").All()
	require.Len(t, entries, 1)
	require.Contains(t, entries[0].ContextMap()["error"], "root.secret.x")
	require.Equal(t, false, entries[0].ContextMap()["retryable"])
}

func TestHandleQuery_BackendDownIsGeneric(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	fake := backendtest.New()
	fake.OpenErr = errors.New("dial tcp 10.1.2.3:6888: connection refused")
	fs := afero.NewMemMapFs()
	pipeline := ingest.NewPipeline(fake, ingest.PipelineConfig{Fs: fs, TempDir: "/staging"})
	handler := NewHandler(fake, pipeline, Config{}, zap.New(core))

	rr := httptest.NewRecorder()
	handler.HandleQuery(rr, httptest.NewRequest(http.MethodPost, "/api/data/query", strings.NewReader(`{"paths":["a"]}`)))

	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	require.Equal(t, "backend unavailable", decodeResult(t, rr).Message)
	require.NotContains(t, rr.Body.String(), "10.1.2.3")
	require.Equal(t, true, logs.FilterMessage("query failed").All()[0].ContextMap()["retryable"])
}

func TestHandleQuery_CloseFailureKeepsResult(t *testing.T) {
	fake := backendtest.New()
	fake.Table = sampleTable()
	fake.CloseErr = errors.New("reset")
	handler, _ := newTestHandler(fake)

	rr := httptest.NewRecorder()
	handler.HandleQuery(rr, httptest.NewRequest(http.MethodPost, "/api/data/query", strings.NewReader(`{"paths":["root.sg.a"]}`)))

	require.Equal(t, http.StatusOK, rr.Code)
}

func importRequest(t *testing.T, config string, fileBody []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if config != "" {
		require.NoError(t, mw.WriteField("config", config))
	}
	if fileBody != nil {
		fw, err := mw.CreateFormFile("file", "data.csv")
		require.NoError(t, err)
		_, err = fw.Write(fileBody)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/data/import", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestHandleImport(t *testing.T) {
	fake := backendtest.New()
	fake.LoadResult = backend.LoadResult{Columns: []string{"root.sg.a"}, RecordCount: 2}
	handler, fs := newTestHandler(fake)

	csv := []byte("Time,a\n1,10\n2,11\n")
	rr := httptest.NewRecorder()
	handler.HandleImport(rr, importRequest(t, `{"targetPath":"root.sg"}`, csv))

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var res struct {
		Code int          `json:"code"`
		Data ImportResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	require.Equal(t, int64(2), res.Data.RecordCount)
	require.Equal(t, []string{"root.sg.a"}, res.Data.Columns)

	// chunk size 4 over 17 bytes
	chunks := fake.Chunks()
	require.Len(t, chunks, 5)
	var got []byte
	for _, c := range chunks {
		require.Equal(t, int64(len(got)), c.Offset)
		got = append(got, c.Data...)
	}
	require.Equal(t, csv, got)

	loads := fake.Loads()
	require.Len(t, loads, 1)
	require.Equal(t, backend.LoadDirective(res.Data.UploadID, "root.sg"), loads[0].Directive)
	require.NotEqual(t, "data.csv", loads[0].UploadID)

	staged, err := afero.ReadDir(fs, "/staging")
	require.NoError(t, err)
	require.Empty(t, staged)
}

func TestHandleImport_MissingConfig(t *testing.T) {
	fake := backendtest.New()
	handler, _ := newTestHandler(fake)

	rr := httptest.NewRecorder()
	handler.HandleImport(rr, importRequest(t, "", []byte("Time,a\n1,2\n")))

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "config: must not be empty; ", decodeResult(t, rr).Message)
	require.Zero(t, fake.Opens())
}

func TestHandleImport_BlankTarget(t *testing.T) {
	fake := backendtest.New()
	handler, _ := newTestHandler(fake)

	rr := httptest.NewRecorder()
	handler.HandleImport(rr, importRequest(t, `{"targetPath":"   "}`, []byte("Time,a\n1,2\n")))

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "targetPath: must not be blank; ", decodeResult(t, rr).Message)
	require.Zero(t, fake.Opens())
}

func TestHandleImport_MissingFile(t *testing.T) {
	fake := backendtest.New()
	handler, _ := newTestHandler(fake)

	rr := httptest.NewRecorder()
	handler.HandleImport(rr, importRequest(t, `{"targetPath":"root.sg"}`, nil))

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Zero(t, fake.Opens())
}

func TestHandleImport_EmptyFile(t *testing.T) {
	fake := backendtest.New()
	handler, _ := newTestHandler(fake)

	rr := httptest.NewRecorder()
	handler.HandleImport(rr, importRequest(t, `{"targetPath":"root.sg"}`, []byte{}))

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Empty(t, fake.Chunks())
	require.Equal(t, 0, fake.OpenSessions())
}

func TestHandleImport_LoadFailure(t *testing.T) {
	fake := backendtest.New()
	fake.LoadErr = errors.New("parse error at line 3")
	handler, _ := newTestHandler(fake)

	rr := httptest.NewRecorder()
	handler.HandleImport(rr, importRequest(t, `{"targetPath":"root.sg"}`, []byte("Time,a\n1,2\n")))

	require.Equal(t, http.StatusInternalServerError, rr.Code)
	require.Equal(t, httpx.CodeError, decodeResult(t, rr).Code)
	require.Equal(t, 0, fake.OpenSessions())
}

func TestHandleExport(t *testing.T) {
	fake := backendtest.New()
	fake.Table = sampleTable()
	handler, _ := newTestHandler(fake)
	handler.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }

	rr := httptest.NewRecorder()
	handler.HandleExport(rr, httptest.NewRequest(http.MethodPost, "/api/data/export",
		strings.NewReader(`{"paths":["root.sg.a","root.sg.b"]}`)))

	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "text/csv; charset=utf-8", rr.Header().Get("Content-Type"))
	require.Equal(t, `attachment; filename=export_20240301_120000.csv`, rr.Header().Get("Content-Disposition"))
	require.Equal(t, "Time,root.sg.a,root.sg.b\n1,10,1.5\n2,11,\n", rr.Body.String())
	require.True(t, rr.Flushed)
}

func TestHandleExport_QueryFailureIsEnvelope(t *testing.T) {
	fake := backendtest.New()
	fake.QueryErr = errors.New("unknown path")
	handler, _ := newTestHandler(fake)

	rr := httptest.NewRecorder()
	handler.HandleExport(rr, httptest.NewRequest(http.MethodPost, "/api/data/export",
		strings.NewReader(`{"paths":["x"]}`)))

	require.Equal(t, http.StatusInternalServerError, rr.Code)
	require.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	require.Equal(t, "export failed", decodeResult(t, rr).Message)
}

func TestHandleExportWS_QueryFailureClosesGenerically(t *testing.T) {
	fake := backendtest.New()
	fake.QueryErr = errors.New("iotdb internal: /var/lib/node3")
	handler, _ := newTestHandler(fake)
	conn := dialExport(t, handler)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"paths":["a"]}`)))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	require.Equal(t, websocket.CloseInternalServerErr, closeErr.Code)
	require.Equal(t, "export failed", closeErr.Text)
}

func dialExport(t *testing.T, handler *Handler) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(handler.HandleExportWS))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHandleExportWS(t *testing.T) {
	fake := backendtest.New()
	fake.Table = sampleTable()
	handler, _ := newTestHandler(fake)
	conn := dialExport(t, handler)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"paths":["root.sg.a","root.sg.b"]}`)))

	var lines []string
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			require.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			break
		}
		lines = append(lines, string(msg))
	}
	require.Equal(t, []string{"Time,root.sg.a,root.sg.b", "1,10,1.5", "2,11,"}, lines)
}

func TestHandleExportWS_InvalidQuery(t *testing.T) {
	fake := backendtest.New()
	handler, _ := newTestHandler(fake)
	conn := dialExport(t, handler)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"paths":[]}`)))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "unexpected error: %v", err)
	require.Zero(t, fake.Opens())
}

func TestHandleExportWS_RejectsCrossOrigin(t *testing.T) {
	handler, _ := newTestHandler(backendtest.New())
	srv := httptest.NewServer(http.HandlerFunc(handler.HandleExportWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"http://evil.example"}})
	require.Error(t, err)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}
