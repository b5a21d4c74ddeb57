package registry

import (
	"net/http"

	"github.com/nicktill/tsgate/pkg/backend"
	"github.com/nicktill/tsgate/pkg/httpx"
)

// Handler serves /api/datasource routes
type Handler struct {
	manager *Manager
}

// NewHandler creates a registry handler
func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

// HandleRegister handles POST /api/datasource/register
func (h *Handler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.ParamError(w, httpx.ValidationMessage(err))
		return
	}
	respondOutcome(w, h.manager.Register(r.Context(), req.Registration()))
}

// HandleRemove handles POST /api/datasource/remove
func (h *Handler) HandleRemove(w http.ResponseWriter, r *http.Request) {
	var req RemoveRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.ParamError(w, httpx.ValidationMessage(err))
		return
	}
	respondOutcome(w, h.manager.Remove(r.Context(), req.Host, req.Port, req.SchemaPrefix, req.DataPrefix))
}

// HandleList handles GET /api/datasource/list
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	engines, err := h.manager.List(r.Context())
	if err != nil {
		httpx.BackendFailure(w, "failed to list data sources", err)
		return
	}
	if engines == nil {
		engines = []backend.StorageEngineDescriptor{}
	}
	httpx.Success(w, "", engines)
}

// HandleTree handles GET /api/datasource/tree
func (h *Handler) HandleTree(w http.ResponseWriter, r *http.Request) {
	columns, err := h.manager.Columns(r.Context())
	if err != nil {
		httpx.BackendFailure(w, "failed to list columns", err)
		return
	}
	if columns == nil {
		columns = []backend.Column{}
	}
	httpx.Success(w, "", columns)
}

func respondOutcome(w http.ResponseWriter, out backend.Outcome) {
	if !out.Success {
		httpx.Failure(w, out.Message)
		return
	}
	httpx.Success(w, out.Message, nil)
}
