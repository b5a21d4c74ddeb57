package registry

import (
	"github.com/nicktill/tsgate/pkg/backend"
)

// Extra parameter keys filled from request fields
const (
	ParamUsername = "username"
	ParamPassword = "password"
	ParamEngine   = "engine"
)

// RegisterRequest is the body of POST /api/datasource/register.
type RegisterRequest struct {
	Alias             string            `json:"alias,omitempty"`
	Host              string            `json:"ip" validate:"required,notblank"`
	Port              int               `json:"port" validate:"required,min=1,max=65535"`
	StorageEngineType *int              `json:"storageEngineType" validate:"required,min=0,max=6"`
	Engine            string            `json:"engine,omitempty"`
	Description       string            `json:"description,omitempty"`
	Username          string            `json:"username,omitempty"`
	Password          string            `json:"password,omitempty"`
	Database          string            `json:"database,omitempty"`
	SchemaPrefix      string            `json:"schemaPrefix,omitempty"`
	DataPrefix        string            `json:"dataPrefix,omitempty"`
	ExtraParams       map[string]string `json:"extraParams,omitempty"`
}

// BuildExtraParams merges credentials, engine name and path prefixes into a
// copy of ExtraParams. Explicit fields win over map entries. Alias and
// description stay on the gateway side.
func (r RegisterRequest) BuildExtraParams() map[string]string {
	params := make(map[string]string, len(r.ExtraParams)+5)
	for k, v := range r.ExtraParams {
		params[k] = v
	}
	set := func(key, value string) {
		if value != "" {
			params[key] = value
		}
	}
	set(ParamUsername, r.Username)
	set(ParamPassword, r.Password)
	set(ParamEngine, r.Engine)
	set(backend.ParamSchemaPrefix, r.SchemaPrefix)
	set(backend.ParamDataPrefix, r.DataPrefix)
	return params
}

// Registration converts a validated request. Unknown engine codes decode to
// EngineUnknown.
func (r RegisterRequest) Registration() Registration {
	engineType := backend.EngineUnknown
	if r.StorageEngineType != nil {
		engineType, _ = backend.LookupEngineType(*r.StorageEngineType)
	}
	return Registration{
		Host:        r.Host,
		Port:        r.Port,
		Type:        engineType,
		ExtraParams: r.BuildExtraParams(),
	}
}

// RemoveRequest is the body of POST /api/datasource/remove.
type RemoveRequest struct {
	Host         string `json:"ip" validate:"required,notblank"`
	Port         int    `json:"port" validate:"required,min=1,max=65535"`
	SchemaPrefix string `json:"schemaPrefix"`
	DataPrefix   string `json:"dataPrefix"`
}
