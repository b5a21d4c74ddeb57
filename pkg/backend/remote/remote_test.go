package remote

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tsgate/pkg/backend"
	"github.com/nicktill/tsgate/pkg/backend/engine"
	"github.com/nicktill/tsgate/pkg/backend/memory"
)

func newTestServer(t *testing.T, cfg ServerConfig) (*Server, *httptest.Server) {
	t.Helper()

	eng, err := engine.New(memory.New(), engine.Config{UploadDir: "/uploads", Fs: afero.NewMemMapFs()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })

	srv := NewServer(eng, cfg)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return srv, ts
}

func TestRemote_UploadLoadQuery(t *testing.T) {
	srv, ts := newTestServer(t, ServerConfig{})
	client, err := New(Config{Endpoint: ts.URL})
	require.NoError(t, err)

	ctx := context.Background()
	session, err := client.Open(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, srv.SessionCount())

	csv := "Time,temp,ok\n1000,20.5,true\n2000,21,false\n"
	require.NoError(t, session.UploadChunk(ctx, "u1.csv", 0, []byte(csv[:10])))
	require.NoError(t, session.UploadChunk(ctx, "u1.csv", 10, []byte(csv[10:])))

	result, err := session.TriggerLoad(ctx, backend.LoadDirective("u1.csv", "root.sg"), "u1.csv")
	require.NoError(t, err)
	require.Equal(t, int64(2), result.RecordCount)
	require.ElementsMatch(t, []string{"root.sg.temp", "root.sg.ok"}, result.Columns)

	table, err := session.Query(ctx, backend.QuerySpec{
		Kind:     backend.QuerySimple,
		Paths:    []string{"root.sg.*"},
		StartKey: backend.MinKey,
		EndKey:   backend.MaxKey,
	})
	require.NoError(t, err)
	require.True(t, table.Header.HasTimestamp)
	require.Equal(t, []string{"root.sg.ok", "root.sg.temp"}, table.Header.Columns)
	require.Len(t, table.Records, 2)
	require.Equal(t, int64(1000), table.Records[0].Key)
	require.Equal(t, 20.5, table.Records[0].Values["root.sg.temp"])
	require.Equal(t, true, table.Records[0].Values["root.sg.ok"])
	// int-looking cells stay int64 across the wire
	require.Equal(t, int64(21), table.Records[1].Values["root.sg.temp"])

	columns, err := session.ShowColumns(ctx)
	require.NoError(t, err)
	require.Len(t, columns, 2)

	require.NoError(t, session.Close())
	require.Equal(t, 0, srv.SessionCount())
	require.ErrorIs(t, session.Close(), backend.ErrSessionClosed)
}

func TestRemote_OffsetMismatch(t *testing.T) {
	_, ts := newTestServer(t, ServerConfig{})
	client, err := New(Config{Endpoint: ts.URL})
	require.NoError(t, err)

	ctx := context.Background()
	session, err := client.Open(ctx)
	require.NoError(t, err)
	defer session.Close()

	require.NoError(t, session.UploadChunk(ctx, "u2.csv", 0, []byte("Time,a\n")))
	err = session.UploadChunk(ctx, "u2.csv", 3, []byte("1,2\n"))
	require.ErrorIs(t, err, backend.ErrOffsetMismatch)
}

func TestRemote_EngineRegistry(t *testing.T) {
	_, ts := newTestServer(t, ServerConfig{})
	client, err := New(Config{Endpoint: ts.URL})
	require.NoError(t, err)

	ctx := context.Background()
	session, err := client.Open(ctx)
	require.NoError(t, err)
	defer session.Close()

	params := map[string]string{
		"username":                "root",
		backend.ParamSchemaPrefix: "s1",
		backend.ParamDataPrefix:   "d1",
	}
	require.NoError(t, session.AddStorageEngine(ctx, "10.0.0.5", 5432, backend.EngineRelational, params))

	engines, err := session.ListStorageEngines(ctx)
	require.NoError(t, err)
	require.Len(t, engines, 1)
	require.Equal(t, "10.0.0.5", engines[0].Host)
	require.Equal(t, "s1", engines[0].SchemaPrefix)
	require.Equal(t, backend.EngineRelational, engines[0].Type)

	err = session.RemoveStorageEngine(ctx, []backend.RemovedStorageEngine{
		{Host: "10.0.0.9", Port: 5432, SchemaPrefix: "s1", DataPrefix: "d1"},
	})
	require.ErrorIs(t, err, backend.ErrNotFound)

	err = session.RemoveStorageEngine(ctx, []backend.RemovedStorageEngine{
		{Host: "10.0.0.5", Port: 5432, SchemaPrefix: "s1", DataPrefix: "d1"},
	})
	require.NoError(t, err)

	engines, err = session.ListStorageEngines(ctx)
	require.NoError(t, err)
	require.Empty(t, engines)
}

func TestRemote_BasicAuth(t *testing.T) {
	_, ts := newTestServer(t, ServerConfig{Username: "root", Password: "secret"})

	bad, err := New(Config{Endpoint: ts.URL, Username: "root", Password: "wrong"})
	require.NoError(t, err)
	_, err = bad.Open(context.Background())
	require.Error(t, err)

	good, err := New(Config{Endpoint: ts.URL, Username: "root", Password: "secret"})
	require.NoError(t, err)
	session, err := good.Open(context.Background())
	require.NoError(t, err)
	require.NoError(t, session.Close())
}

func TestRemote_UnreachableIsUnavailable(t *testing.T) {
	_, ts := newTestServer(t, ServerConfig{})
	endpoint := ts.URL
	ts.Close()

	client, err := New(Config{Endpoint: endpoint})
	require.NoError(t, err)
	_, err = client.Open(context.Background())
	require.True(t, errors.Is(err, backend.ErrBackendUnavailable), "got %v", err)
}

func TestServer_ReapIdle(t *testing.T) {
	srv, ts := newTestServer(t, ServerConfig{})
	client, err := New(Config{Endpoint: ts.URL})
	require.NoError(t, err)

	session, err := client.Open(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, srv.SessionCount())

	require.Equal(t, 0, srv.ReapIdle(time.Hour))
	require.Equal(t, 1, srv.ReapIdle(0))
	require.Equal(t, 0, srv.SessionCount())

	_, err = session.ShowColumns(context.Background())
	require.ErrorIs(t, err, backend.ErrSessionClosed)
}

func TestNew_InvalidEndpoint(t *testing.T) {
	_, err := New(Config{Endpoint: "not a url"})
	require.Error(t, err)
}
