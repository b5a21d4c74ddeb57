// Package query translates client query requests into backend queries.
package query

import (
	"github.com/nicktill/tsgate/pkg/backend"
	"github.com/nicktill/tsgate/pkg/config"
)

// QueryRequest is the client query shape shared by query and export.
// Optional fields are pointers so absence is distinguishable from zero.
type QueryRequest struct {
	Paths         []string `json:"paths" validate:"required,min=1,dive,notblank"`
	StartTime     *int64   `json:"startTime,omitempty"`
	EndTime       *int64   `json:"endTime,omitempty"`
	AggregateType *int     `json:"aggregateType,omitempty"`
	Precision     int64    `json:"precision,omitempty"`
	TimePrecision *int     `json:"timePrecision,omitempty"`
}

// Plan resolves defaults and fallbacks and picks the query shape:
//   - start defaults to backend.MinKey, end to backend.MaxKey
//   - precision <= 0 becomes 1000
//   - an absent or unknown time unit becomes MILLISECOND
//   - an absent or unknown aggregate yields a simple range query
//
// Plan never fails. An empty path set is passed through for the backend to reject.
func Plan(req QueryRequest) backend.QuerySpec {
	spec := backend.QuerySpec{
		Kind:     backend.QuerySimple,
		Paths:    dedupe(req.Paths),
		StartKey: backend.MinKey,
		EndKey:   backend.MaxKey,
	}
	if req.StartTime != nil {
		spec.StartKey = *req.StartTime
	}
	if req.EndTime != nil {
		spec.EndKey = *req.EndTime
	}
	spec.Precision = resolvePrecision(req.Precision)
	spec.TimeUnit = resolveTimeUnit(req.TimePrecision)

	if req.AggregateType == nil {
		return spec
	}
	aggregate, ok := backend.LookupAggregate(*req.AggregateType)
	if !ok {
		return spec
	}

	spec.Kind = backend.QueryDownsample
	spec.Aggregate = aggregate
	return spec
}

func resolvePrecision(p int64) int64 {
	if p <= 0 {
		return config.DefaultPrecision
	}
	return p
}

func resolveTimeUnit(code *int) backend.TimeUnit {
	if code == nil {
		return backend.TimeUnitMillisecond
	}
	if unit, ok := backend.LookupTimeUnit(*code); ok {
		return unit
	}
	return backend.TimeUnitMillisecond
}

// dedupe keeps the first occurrence of each path
func dedupe(paths []string) []string {
	seen := make(map[string]bool, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}
