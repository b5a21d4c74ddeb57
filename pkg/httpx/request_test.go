package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nicktill/tsgate/pkg/backend"
)

type sample struct {
	Host string   `json:"ip" validate:"required"`
	Port int      `json:"port" validate:"min=1,max=65535"`
	Tags []string `json:"tags" validate:"required,min=1"`
	Name string   `json:"name" validate:"notblank"`
}

func TestValidate_MessageFormat(t *testing.T) {
	err := Validate(&sample{Port: 70000, Tags: []string{"a"}, Name: "x"})
	require.ErrorIs(t, err, backend.ErrValidation)
	require.Equal(t, "ip: must not be empty; port: must not exceed 65535; ", ValidationMessage(err))
}

func TestValidate_Blank(t *testing.T) {
	err := Validate(&sample{Host: "h", Port: 1, Tags: []string{"a"}, Name: "   "})
	require.ErrorIs(t, err, backend.ErrValidation)
	require.Contains(t, ValidationMessage(err), "name: must not be blank")
}

func TestDecodeJSON(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"ip":"h","port":80,"tags":["t"],"name":"n"}`))
	var s sample
	require.NoError(t, DecodeJSON(req, &s))
	require.Equal(t, 80, s.Port)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"ip":`))
	require.ErrorIs(t, DecodeJSON(req, &s), backend.ErrValidation)
}

func TestEnvelope(t *testing.T) {
	rr := httptest.NewRecorder()
	ParamError(rr, "port: must not exceed 65535; ")

	require.Equal(t, http.StatusBadRequest, rr.Code)
	var res Result
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	require.Equal(t, CodeParamError, res.Code)
	require.Nil(t, res.Data)

	rr = httptest.NewRecorder()
	Success(rr, "", []int{1})
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	require.Equal(t, CodeSuccess, res.Code)
	require.Equal(t, "success", res.Message)
}

func TestBackendFailure(t *testing.T) {
	rr := httptest.NewRecorder()
	BackendFailure(rr, "query failed", errors.New("node3: /var/lib/iotdb corrupted"))

	require.Equal(t, http.StatusInternalServerError, rr.Code)
	var res Result
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	require.Equal(t, CodeError, res.Code)
	require.Equal(t, "query failed", res.Message)

	rr = httptest.NewRecorder()
	BackendFailure(rr, "query failed", fmt.Errorf("dial 10.0.0.1: %w", backend.ErrBackendUnavailable))

	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	require.Equal(t, "backend unavailable", res.Message)
	require.NotContains(t, rr.Body.String(), "10.0.0.1")
}

func TestRespondError(t *testing.T) {
	rr := httptest.NewRecorder()
	RespondError(rr, http.StatusNotFound, "no route for GET /nope")

	require.Equal(t, http.StatusNotFound, rr.Code)
	var res ErrorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	require.Equal(t, "Not Found", res.Error)
	require.Equal(t, "no route for GET /nope", res.Message)
}
