package registry

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/nicktill/tsgate/pkg/backend"
	"github.com/nicktill/tsgate/pkg/backend/backendtest"
	"github.com/nicktill/tsgate/pkg/httpx"
)

func decodeResult(t *testing.T, rr *httptest.ResponseRecorder) httpx.Result {
	t.Helper()
	var res httpx.Result
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	return res
}

func TestHandleRegister_PortOutOfRange(t *testing.T) {
	fake := backendtest.New()
	handler := NewHandler(NewManager(fake, 0, nil))

	body := `{"alias":"ts1","ip":"10.0.0.1","port":70000,"storageEngineType":1}`
	req := httptest.NewRequest(http.MethodPost, "/api/datasource/register", strings.NewReader(body))
	rr := httptest.NewRecorder()

	handler.HandleRegister(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	res := decodeResult(t, rr)
	require.Equal(t, httpx.CodeParamError, res.Code)
	require.Equal(t, "port: must not exceed 65535; ", res.Message)
	// rejected before any backend work
	require.Zero(t, fake.Opens())
}

func TestHandleRegister_MissingEngineType(t *testing.T) {
	fake := backendtest.New()
	handler := NewHandler(NewManager(fake, 0, nil))

	req := httptest.NewRequest(http.MethodPost, "/api/datasource/register",
		strings.NewReader(`{"ip":"10.0.0.1","port":6667}`))
	rr := httptest.NewRecorder()

	handler.HandleRegister(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Contains(t, decodeResult(t, rr).Message, "storageEngineType: must not be empty")
	require.Zero(t, fake.Opens())
}

func TestHandleRegister_Success(t *testing.T) {
	fake := backendtest.New()
	handler := NewHandler(NewManager(fake, 0, nil))

	body := `{"ip":"10.0.0.1","port":6667,"storageEngineType":1,"username":"root","password":"root"}`
	req := httptest.NewRequest(http.MethodPost, "/api/datasource/register", strings.NewReader(body))
	rr := httptest.NewRecorder()

	handler.HandleRegister(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, httpx.CodeSuccess, decodeResult(t, rr).Code)

	added := fake.Added()
	require.Len(t, added, 1)
	require.Equal(t, backend.EngineIoTDB12, added[0].Type)
	require.Equal(t, "root", added[0].ExtraParams[ParamUsername])
}

func TestHandleRemove_FailureIsEnvelope(t *testing.T) {
	fake := backendtest.New()
	fake.RemoveErr = backend.ErrNotFound
	handler := NewHandler(NewManager(fake, 0, nil))

	body := `{"ip":"10.0.0.1","port":6667,"schemaPrefix":"","dataPrefix":""}`
	req := httptest.NewRequest(http.MethodPost, "/api/datasource/remove", strings.NewReader(body))
	rr := httptest.NewRecorder()

	handler.HandleRemove(rr, req)

	require.Equal(t, http.StatusInternalServerError, rr.Code)
	res := decodeResult(t, rr)
	require.Equal(t, httpx.CodeError, res.Code)
	require.Len(t, fake.Removed(), 1)
}

func TestHandleList(t *testing.T) {
	fake := backendtest.New()
	fake.Engines = []backend.StorageEngineDescriptor{
		{ID: 1, Host: "10.0.0.1", Port: 6667, Type: backend.EngineIoTDB12, ExtraParams: map[string]string{"password": "secret"}},
	}
	handler := NewHandler(NewManager(fake, 0, nil))

	rr := httptest.NewRecorder()
	handler.HandleList(rr, httptest.NewRequest(http.MethodGet, "/api/datasource/list", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"ip":"10.0.0.1"`)
	// credentials never leave the gateway
	require.NotContains(t, rr.Body.String(), "secret")
}

func TestHandleList_BackendDown(t *testing.T) {
	fake := backendtest.New()
	fake.OpenErr = errors.New("refused")
	handler := NewHandler(NewManager(fake, 0, nil))

	rr := httptest.NewRecorder()
	handler.HandleList(rr, httptest.NewRequest(http.MethodGet, "/api/datasource/list", nil))

	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	require.Equal(t, "backend unavailable", decodeResult(t, rr).Message)
}

func TestHandleTree_FailureHidesBackendDetail(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	fake := backendtest.New()
	fake.ColumnsErr = errors.New("metadata shard /var/lib/node3 unreadable")
	handler := NewHandler(NewManager(fake, 0, zap.New(core)))

	rr := httptest.NewRecorder()
	handler.HandleTree(rr, httptest.NewRequest(http.MethodGet, "/api/datasource/tree", nil))

	require.Equal(t, http.StatusInternalServerError, rr.Code)
	require.Equal(t, "failed to list columns", decodeResult(t, rr).Message)
	require.NotContains(t, rr.Body.String(), "/var/lib")
	require.Equal(t, 1, logs.FilterMessage("show columns failed").Len())
}

func TestHandleList_FailureHidesBackendDetail(t *testing.T) {
	fake := backendtest.New()
	fake.ListErr = errors.New("node3: permission denied")
	handler := NewHandler(NewManager(fake, 0, nil))

	rr := httptest.NewRecorder()
	handler.HandleList(rr, httptest.NewRequest(http.MethodGet, "/api/datasource/list", nil))

	require.Equal(t, http.StatusInternalServerError, rr.Code)
	require.Equal(t, "failed to list data sources", decodeResult(t, rr).Message)
}

func TestHandleTree(t *testing.T) {
	fake := backendtest.New()
	fake.Columns = []backend.Column{{Path: "root.sg.a", DataType: backend.DataTypeLong}}
	handler := NewHandler(NewManager(fake, 0, nil))

	rr := httptest.NewRecorder()
	handler.HandleTree(rr, httptest.NewRequest(http.MethodGet, "/api/datasource/tree", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `{"path":"root.sg.a","dataType":2}`)
}
