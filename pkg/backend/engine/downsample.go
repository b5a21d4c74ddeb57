package engine

import (
	"fmt"
	"math"
	"strings"

	"github.com/nicktill/tsgate/pkg/backend"
)

// Aggregate accumulates the points of one series in one time bucket.
//
// Sum/Count/Min/Max are tracked over numeric values only; First/Last keep
// the raw values so FIRST_VALUE and LAST_VALUE work for any type.
type Aggregate struct {
	Bucket int64

	Count    int64
	Numeric  int64
	Sum      float64
	IntSum   int64
	AllInts  bool
	Min, Max any
	minF     float64
	maxF     float64

	First, Last any
}

func newAggregate(bucket int64) *Aggregate {
	return &Aggregate{Bucket: bucket, AllInts: true}
}

// Add folds one point into the bucket. Points must arrive in key order.
func (a *Aggregate) Add(v any) {
	if a.Count == 0 {
		a.First = v
	}
	a.Last = v
	a.Count++

	f, i, isInt, ok := numeric(v)
	if !ok {
		return
	}
	if a.Numeric == 0 || f < a.minF {
		a.minF, a.Min = f, v
	}
	if a.Numeric == 0 || f > a.maxF {
		a.maxF, a.Max = f, v
	}
	a.Numeric++
	a.Sum += f
	if isInt {
		a.IntSum += i
	} else {
		a.AllInts = false
	}
}

// Result returns the bucket value for kind, or nil when the bucket has
// nothing the aggregation can use.
func (a *Aggregate) Result(kind backend.AggregateKind) any {
	switch kind {
	case backend.AggregateCount:
		return a.Count
	case backend.AggregateFirstValue, backend.AggregateFirst:
		return a.First
	case backend.AggregateLastValue:
		return a.Last
	}

	if a.Numeric == 0 {
		return nil
	}
	switch kind {
	case backend.AggregateMax:
		return a.Max
	case backend.AggregateMin:
		return a.Min
	case backend.AggregateSum:
		if a.AllInts {
			return a.IntSum
		}
		return a.Sum
	case backend.AggregateAvg:
		return a.Sum / float64(a.Numeric)
	default:
		return nil
	}
}

// bucketStart aligns key to a bucket of width starting at origin. The
// distance is computed in uint64 so keys and origins far apart, such as an
// origin near MinInt64, do not overflow.
func bucketStart(key, origin, width int64) int64 {
	w := uint64(width)
	if key >= origin {
		offset := uint64(key) - uint64(origin)
		return int64(uint64(origin) + offset - offset%w)
	}
	// floor division for keys before origin
	offset := uint64(origin) - uint64(key)
	n := offset / w
	if offset%w != 0 {
		n++
	}
	return int64(uint64(origin) - n*w)
}

// aggregateColumn names the output column, e.g. avg(root.sg.temp)
func aggregateColumn(kind backend.AggregateKind, path string) string {
	return fmt.Sprintf("%s(%s)", strings.ToLower(kind.String()), path)
}

// numeric converts integer and float scalars to float64, keeping the exact
// integer alongside when there is one
func numeric(v any) (f float64, i int64, isInt bool, ok bool) {
	switch x := v.(type) {
	case int32:
		return float64(x), int64(x), true, true
	case int64:
		return float64(x), x, true, true
	case float32:
		return float64(x), 0, false, true
	case float64:
		if math.IsNaN(x) {
			return 0, 0, false, false
		}
		return x, 0, false, true
	default:
		return 0, 0, false, false
	}
}
