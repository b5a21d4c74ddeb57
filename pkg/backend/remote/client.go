package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nicktill/tsgate/pkg/backend"
	"github.com/nicktill/tsgate/pkg/codec"
)

// Config holds remote client configuration
type Config struct {
	// Endpoint is the backend node base URL, e.g. http://127.0.0.1:6888
	Endpoint string

	Username string
	Password string

	// HTTPClient overrides the default client (optional)
	HTTPClient *http.Client
}

// Client implements backend.Connector against a remote node
type Client struct {
	endpoint string
	username string
	password string
	client   *http.Client
}

// New creates a remote client
func New(cfg Config) (*Client, error) {
	endpoint := strings.TrimSuffix(cfg.Endpoint, "/")
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return nil, fmt.Errorf("invalid backend endpoint %q: %w", cfg.Endpoint, err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		// Per-call deadlines come from the caller's context
		httpClient = &http.Client{Timeout: 5 * time.Minute}
	}

	return &Client{
		endpoint: endpoint,
		username: cfg.Username,
		password: cfg.Password,
		client:   httpClient,
	}, nil
}

// Open implements backend.Connector
func (c *Client) Open(ctx context.Context) (backend.Session, error) {
	var resp openResponse
	if err := c.do(ctx, http.MethodPost, "/v1/sessions", nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to open session: %w", err)
	}
	if resp.SessionID == "" {
		return nil, fmt.Errorf("failed to open session: empty session id")
	}
	return &session{client: c, id: resp.SessionID}, nil
}

// do sends a CBOR request and decodes a CBOR response into out (if non-nil)
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := codec.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", contentTypeCBOR)
	}
	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out any) error {
	req.Header.Set("Accept", contentTypeCBOR)
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", backend.ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e errorResponse
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		message := strings.TrimSpace(string(data))
		if codec.Unmarshal(data, &e) == nil && e.Error != "" {
			message = e.Error
		}
		return errorFor(resp.StatusCode, message)
	}

	if out == nil {
		return nil
	}
	if err := codec.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// session is one open remote session. Not safe for concurrent use.
type session struct {
	client *Client
	id     string
	closed bool
}

func (s *session) path(suffix string) string {
	return "/v1/sessions/" + url.PathEscape(s.id) + suffix
}

func (s *session) UploadChunk(ctx context.Context, uploadID string, offset int64, data []byte) error {
	if s.closed {
		return backend.ErrSessionClosed
	}
	compressed := zstdEncoder.EncodeAll(data, make([]byte, 0, len(data)/2))

	target := s.client.endpoint + s.path("/uploads/"+url.PathEscape(uploadID)) +
		"?offset=" + strconv.FormatInt(offset, 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader(compressed))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Content-Encoding", encodingZstd)
	req.Header.Set("X-Uncompressed-Length", strconv.Itoa(len(data)))
	return s.client.send(req, nil)
}

func (s *session) TriggerLoad(ctx context.Context, directive, uploadID string) (backend.LoadResult, error) {
	if s.closed {
		return backend.LoadResult{}, backend.ErrSessionClosed
	}
	var result backend.LoadResult
	err := s.client.do(ctx, http.MethodPost, s.path("/load"), loadRequest{Directive: directive, UploadID: uploadID}, &result)
	return result, err
}

func (s *session) Query(ctx context.Context, spec backend.QuerySpec) (*backend.ResultTable, error) {
	if s.closed {
		return nil, backend.ErrSessionClosed
	}
	var wt wireTable
	if err := s.client.do(ctx, http.MethodPost, s.path("/query"), spec, &wt); err != nil {
		return nil, err
	}
	return decodeTable(wt), nil
}

func (s *session) AddStorageEngine(ctx context.Context, host string, port int, engineType backend.EngineType, extraParams map[string]string) error {
	if s.closed {
		return backend.ErrSessionClosed
	}
	req := addEngineRequest{Host: host, Port: port, Type: engineType, ExtraParams: extraParams}
	return s.client.do(ctx, http.MethodPost, s.path("/engines"), req, nil)
}

func (s *session) RemoveStorageEngine(ctx context.Context, engines []backend.RemovedStorageEngine) error {
	if s.closed {
		return backend.ErrSessionClosed
	}
	return s.client.do(ctx, http.MethodPost, s.path("/engines/remove"), engines, nil)
}

func (s *session) ListStorageEngines(ctx context.Context) ([]backend.StorageEngineDescriptor, error) {
	if s.closed {
		return nil, backend.ErrSessionClosed
	}
	var engines []backend.StorageEngineDescriptor
	err := s.client.do(ctx, http.MethodGet, s.path("/engines"), nil, &engines)
	return engines, err
}

func (s *session) ShowColumns(ctx context.Context) ([]backend.Column, error) {
	if s.closed {
		return nil, backend.ErrSessionClosed
	}
	var columns []backend.Column
	err := s.client.do(ctx, http.MethodGet, s.path("/columns"), nil, &columns)
	return columns, err
}

// Close releases the server-side session. It gets its own short deadline
// so a cancelled request context still closes the session.
func (s *session) Close() error {
	if s.closed {
		return backend.ErrSessionClosed
	}
	s.closed = true

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.client.do(ctx, http.MethodDelete, s.path(""), nil, nil)
}
