package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tsgate/pkg/backend"
	"github.com/nicktill/tsgate/pkg/backend/engine"
	"github.com/nicktill/tsgate/pkg/backend/memory"
	"github.com/nicktill/tsgate/pkg/backend/remote"
	"github.com/nicktill/tsgate/pkg/config"
	"github.com/nicktill/tsgate/pkg/server/monitor"
)

func TestInitializeBackend_UnknownMode(t *testing.T) {
	cfg := config.Default()
	cfg.Backend.Mode = "carrier-pigeon"
	_, err := InitializeBackend(cfg, nil)
	require.Error(t, err)
}

func TestInitializeBackend_InvalidEndpoint(t *testing.T) {
	cfg := config.Default()
	cfg.Backend.Endpoint = "not a url"
	_, err := InitializeBackend(cfg, nil)
	require.Error(t, err)
}

func TestInitializeBackend_Embedded(t *testing.T) {
	cfg := config.Default()
	cfg.Backend.Mode = config.ModeEmbedded
	cfg.Backend.DataDir = t.TempDir()
	cfg.Node.UploadDir = t.TempDir()

	b, err := InitializeBackend(cfg, nil)
	require.NoError(t, err)
	require.NotNil(t, b.Badger)
	require.Equal(t, cfg.Backend.DataDir, b.DataDir)

	s, err := b.Connector.Open(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, b.Close())
}

// TestRemoteMode runs the gateway against a backend node over HTTP
func TestRemoteMode(t *testing.T) {
	eng, err := engine.New(memory.New(), engine.Config{UploadDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })

	node := remote.NewServer(eng, remote.ServerConfig{Username: "root", Password: "secret"})
	ts := httptest.NewServer(node.Router())
	t.Cleanup(ts.Close)
	t.Cleanup(node.Shutdown)

	cfg := config.Default()
	cfg.Backend.Mode = config.ModeRemote
	cfg.Backend.Endpoint = ts.URL
	cfg.Backend.Username = "root"
	cfg.Backend.Password = "secret"
	cfg.Import.TempDir = t.TempDir()

	b, err := InitializeBackend(cfg, nil)
	require.NoError(t, err)
	require.Nil(t, b.Badger)
	require.NoError(t, b.Close())

	dataHandler, registryHandler := InitializeHandlers(cfg, b, nil)
	bm := &monitor.BackendMonitor{}
	require.NoError(t, bm.Check(context.Background(), b.Connector, time.Second))
	require.Equal(t, 0, node.SessionCount())

	router := mux.NewRouter()
	SetupRoutes(router, dataHandler, registryHandler, bm, nil, cfg.Server.Port)

	register := `{"ip":"10.0.0.9","port":6667,"storageEngineType":2}`
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/datasource/register", strings.NewReader(register)))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/datasource/list", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"10.0.0.9"`)

	// every request closed its session
	require.Equal(t, 0, node.SessionCount())
}

func TestRemoteMode_WrongPassword(t *testing.T) {
	eng, err := engine.New(memory.New(), engine.Config{UploadDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })

	node := remote.NewServer(eng, remote.ServerConfig{Username: "root", Password: "secret"})
	ts := httptest.NewServer(node.Router())
	t.Cleanup(ts.Close)

	cfg := config.Default()
	cfg.Backend.Endpoint = ts.URL
	cfg.Backend.Username = "root"
	cfg.Backend.Password = "wrong"

	b, err := InitializeBackend(cfg, nil)
	require.NoError(t, err)

	bm := &monitor.BackendMonitor{}
	err = bm.Check(context.Background(), b.Connector, time.Second)
	require.Error(t, err)
	require.ErrorIs(t, err, backend.ErrBackendUnavailable)
	require.False(t, bm.IsHealthy())
}
