package remote

import (
	"context"
	"crypto/subtle"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/nicktill/tsgate/pkg/backend"
	"github.com/nicktill/tsgate/pkg/codec"
)

const (
	maxRequestBody = 8 << 20   // CBOR requests
	maxChunkBody   = 256 << 20 // compressed chunk bodies
)

// ServerConfig configures a Server
type ServerConfig struct {
	// Username and Password enable basic auth when Username is non-empty
	Username string
	Password string

	Logger *zap.Logger
}

// Server exposes a backend.Connector over HTTP. Each remote session maps
// to one session of the wrapped connector.
type Server struct {
	connector backend.Connector
	username  string
	password  string
	logger    *zap.Logger

	mu       sync.Mutex
	sessions map[string]*serverSession
}

type serverSession struct {
	session  backend.Session
	mu       sync.Mutex // serializes calls; backend sessions are not concurrent-safe
	lastUsed time.Time
}

// NewServer creates a server over connector
func NewServer(connector backend.Connector, cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		connector: connector,
		username:  cfg.Username,
		password:  cfg.Password,
		logger:    logger,
		sessions:  make(map[string]*serverSession),
	}
}

// Router returns the HTTP routes
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.authenticate)

	r.HandleFunc("/v1/sessions", s.handleOpen).Methods(http.MethodPost)
	r.HandleFunc("/v1/sessions/{id}", s.handleClose).Methods(http.MethodDelete)
	r.HandleFunc("/v1/sessions/{id}/uploads/{upload}", s.handleUpload).Methods(http.MethodPut)
	r.HandleFunc("/v1/sessions/{id}/load", s.handleLoad).Methods(http.MethodPost)
	r.HandleFunc("/v1/sessions/{id}/query", s.handleQuery).Methods(http.MethodPost)
	r.HandleFunc("/v1/sessions/{id}/engines", s.handleListEngines).Methods(http.MethodGet)
	r.HandleFunc("/v1/sessions/{id}/engines", s.handleAddEngine).Methods(http.MethodPost)
	r.HandleFunc("/v1/sessions/{id}/engines/remove", s.handleRemoveEngines).Methods(http.MethodPost)
	r.HandleFunc("/v1/sessions/{id}/columns", s.handleColumns).Methods(http.MethodGet)
	return r
}

// SessionCount returns the number of open sessions
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// ReapIdle closes sessions unused for longer than maxIdle. Returns how many were closed.
func (s *Server) ReapIdle(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	s.mu.Lock()
	var stale []*serverSession
	for id, ss := range s.sessions {
		ss.mu.Lock()
		idle := ss.lastUsed.Before(cutoff)
		ss.mu.Unlock()
		if idle {
			stale = append(stale, ss)
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()

	for _, ss := range stale {
		if err := ss.session.Close(); err != nil {
			s.logger.Warn("failed to close idle session", zap.Error(err))
		}
	}
	return len(stale)
}

// RunReaper calls ReapIdle every interval until ctx is done
func (s *Server) RunReaper(ctx context.Context, interval, maxIdle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.ReapIdle(maxIdle); n > 0 {
				s.logger.Info("reaped idle sessions", zap.Int("count", n))
			}
		}
	}
}

// Shutdown closes every open session
func (s *Server) Shutdown() {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*serverSession)
	s.mu.Unlock()

	for id, ss := range sessions {
		if err := ss.session.Close(); err != nil {
			s.logger.Warn("failed to close session", zap.String("session_id", id), zap.Error(err))
		}
	}
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.username == "" {
			next.ServeHTTP(w, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(s.username)) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(s.password)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="tsgate"`)
			respondError(w, http.StatusUnauthorized, "authentication failed")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	session, err := s.connector.Open(r.Context())
	if err != nil {
		s.logger.Error("failed to open session", zap.Error(err))
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	id := uuid.NewString()
	s.mu.Lock()
	s.sessions[id] = &serverSession{session: session, lastUsed: time.Now()}
	s.mu.Unlock()

	respond(w, http.StatusCreated, openResponse{SessionID: id})
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s.mu.Lock()
	ss, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()

	if !ok {
		respondError(w, http.StatusGone, "unknown session")
		return
	}

	ss.mu.Lock()
	err := ss.session.Close()
	ss.mu.Unlock()
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// withSession runs fn holding the session's lock
func (s *Server) withSession(w http.ResponseWriter, r *http.Request, fn func(backend.Session) error) {
	id := mux.Vars(r)["id"]

	s.mu.Lock()
	ss, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		respondError(w, http.StatusGone, "unknown session")
		return
	}

	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.lastUsed = time.Now()

	if err := fn(ss.session); err != nil {
		s.logger.Debug("session call failed", zap.String("path", r.URL.Path), zap.Error(err))
		respondError(w, statusFor(err), err.Error())
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	uploadID := mux.Vars(r)["upload"]
	offset, err := strconv.ParseInt(r.URL.Query().Get("offset"), 10, 64)
	if err != nil || offset < 0 {
		respondError(w, http.StatusBadRequest, "invalid offset")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxChunkBody))
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read chunk")
		return
	}
	if r.Header.Get("Content-Encoding") == encodingZstd {
		body, err = zstdDecoder.DecodeAll(body, nil)
		if err != nil {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("failed to decompress chunk: %v", err))
			return
		}
	}
	if want := r.Header.Get("X-Uncompressed-Length"); want != "" && want != strconv.Itoa(len(body)) {
		respondError(w, http.StatusBadRequest, "chunk length mismatch")
		return
	}

	s.withSession(w, r, func(session backend.Session) error {
		if err := session.UploadChunk(r.Context(), uploadID, offset, body); err != nil {
			return err
		}
		w.WriteHeader(http.StatusNoContent)
		return nil
	})
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	var req loadRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	s.withSession(w, r, func(session backend.Session) error {
		result, err := session.TriggerLoad(r.Context(), req.Directive, req.UploadID)
		if err != nil {
			return err
		}
		respond(w, http.StatusOK, result)
		return nil
	})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var spec backend.QuerySpec
	if !decodeRequest(w, r, &spec) {
		return
	}
	s.withSession(w, r, func(session backend.Session) error {
		table, err := session.Query(r.Context(), spec)
		if err != nil {
			return err
		}
		wt, err := encodeTable(table)
		if err != nil {
			return err
		}
		respond(w, http.StatusOK, wt)
		return nil
	})
}

func (s *Server) handleListEngines(w http.ResponseWriter, r *http.Request) {
	s.withSession(w, r, func(session backend.Session) error {
		engines, err := session.ListStorageEngines(r.Context())
		if err != nil {
			return err
		}
		if engines == nil {
			engines = []backend.StorageEngineDescriptor{}
		}
		respond(w, http.StatusOK, engines)
		return nil
	})
}

func (s *Server) handleAddEngine(w http.ResponseWriter, r *http.Request) {
	var req addEngineRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	s.withSession(w, r, func(session backend.Session) error {
		if err := session.AddStorageEngine(r.Context(), req.Host, req.Port, req.Type, req.ExtraParams); err != nil {
			return err
		}
		w.WriteHeader(http.StatusNoContent)
		return nil
	})
}

func (s *Server) handleRemoveEngines(w http.ResponseWriter, r *http.Request) {
	var engines []backend.RemovedStorageEngine
	if !decodeRequest(w, r, &engines) {
		return
	}
	s.withSession(w, r, func(session backend.Session) error {
		if err := session.RemoveStorageEngine(r.Context(), engines); err != nil {
			return err
		}
		w.WriteHeader(http.StatusNoContent)
		return nil
	})
}

func (s *Server) handleColumns(w http.ResponseWriter, r *http.Request) {
	s.withSession(w, r, func(session backend.Session) error {
		columns, err := session.ShowColumns(r.Context())
		if err != nil {
			return err
		}
		if columns == nil {
			columns = []backend.Column{}
		}
		respond(w, http.StatusOK, columns)
		return nil
	})
}

func decodeRequest(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := codec.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func respond(w http.ResponseWriter, status int, v any) {
	data, err := codec.Marshal(v)
	if err != nil {
		respondError(w, http.StatusInternalServerError, fmt.Sprintf("failed to encode response: %v", err))
		return
	}
	w.Header().Set("Content-Type", contentTypeCBOR)
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	data, _ := codec.Marshal(errorResponse{Error: message})
	w.Header().Set("Content-Type", contentTypeCBOR)
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
