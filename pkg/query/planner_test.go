package query

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nicktill/tsgate/pkg/backend"
	"github.com/nicktill/tsgate/pkg/httpx"
)

func ptr[T any](v T) *T { return &v }

func TestPlan_SimpleRange(t *testing.T) {
	spec := Plan(QueryRequest{
		Paths:     []string{"a.b"},
		StartTime: ptr[int64](0),
		EndTime:   ptr[int64](100),
	})

	require.Equal(t, backend.QuerySimple, spec.Kind)
	require.Equal(t, []string{"a.b"}, spec.Paths)
	require.Equal(t, int64(0), spec.StartKey)
	require.Equal(t, int64(100), spec.EndKey)
}

func TestPlan_Downsample(t *testing.T) {
	spec := Plan(QueryRequest{
		Paths:         []string{"a.b"},
		AggregateType: ptr(4),
		Precision:     5000,
		TimePrecision: ptr(6),
	})

	require.Equal(t, backend.QueryDownsample, spec.Kind)
	require.Equal(t, backend.AggregateAvg, spec.Aggregate)
	require.Equal(t, int64(5000), spec.Precision)
	require.Equal(t, backend.TimeUnitSecond, spec.TimeUnit)
	require.Equal(t, int64(5000*1000), spec.TimeUnit.BucketWidth(spec.Precision))
	require.Equal(t, backend.MinKey, spec.StartKey)
	require.Equal(t, backend.MaxKey, spec.EndKey)
}

func TestPlan_UnknownAggregateFallsBackToSimple(t *testing.T) {
	for _, code := range []int{-1, 8, 99} {
		spec := Plan(QueryRequest{Paths: []string{"a"}, AggregateType: ptr(code)})
		require.Equal(t, backend.QuerySimple, spec.Kind, "code %d", code)
	}
}

func TestPlan_Defaults(t *testing.T) {
	spec := Plan(QueryRequest{Paths: []string{"a"}, AggregateType: ptr(0), Precision: -5, TimePrecision: ptr(42)})

	require.Equal(t, backend.QueryDownsample, spec.Kind)
	require.Equal(t, backend.AggregateMax, spec.Aggregate)
	require.Equal(t, int64(1000), spec.Precision)
	require.Equal(t, backend.TimeUnitMillisecond, spec.TimeUnit)
}

func TestPlan_EveryAggregateCode(t *testing.T) {
	for code := 0; code <= 7; code++ {
		spec := Plan(QueryRequest{Paths: []string{"a"}, AggregateType: ptr(code)})
		require.Equal(t, backend.QueryDownsample, spec.Kind)
		require.Equal(t, backend.AggregateKind(code), spec.Aggregate)
	}
}

func TestPlan_DedupesPaths(t *testing.T) {
	spec := Plan(QueryRequest{Paths: []string{"a", "b", "a", "c", "b"}})
	require.Equal(t, []string{"a", "b", "c"}, spec.Paths)
}

func TestPlan_EmptyPathsPassThrough(t *testing.T) {
	spec := Plan(QueryRequest{})
	require.Empty(t, spec.Paths)
	require.Equal(t, backend.QuerySimple, spec.Kind)
}

func TestQueryRequest_Validation(t *testing.T) {
	err := httpx.Validate(QueryRequest{})
	require.ErrorIs(t, err, backend.ErrValidation)
	require.Contains(t, err.Error(), "paths: must not be empty")

	err = httpx.Validate(QueryRequest{Paths: []string{"a", "  "}})
	require.ErrorIs(t, err, backend.ErrValidation)
	require.Contains(t, err.Error(), "must not be blank")

	require.NoError(t, httpx.Validate(QueryRequest{Paths: []string{"a"}}))
}
