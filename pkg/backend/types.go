package backend

import (
	"fmt"
	"math"
)

const (
	// MinKey and MaxKey bound an unbounded range query
	MinKey int64 = 0
	MaxKey int64 = math.MaxInt64
)

// AggregateKind is the aggregation applied per downsample bucket.
// Numeric codes are part of the wire contract and must not change.
type AggregateKind int

const (
	AggregateMax AggregateKind = iota
	AggregateMin
	AggregateSum
	AggregateCount
	AggregateAvg
	AggregateFirstValue
	AggregateLastValue
	AggregateFirst
)

var aggregateNames = map[AggregateKind]string{
	AggregateMax:        "MAX",
	AggregateMin:        "MIN",
	AggregateSum:        "SUM",
	AggregateCount:      "COUNT",
	AggregateAvg:        "AVG",
	AggregateFirstValue: "FIRST_VALUE",
	AggregateLastValue:  "LAST_VALUE",
	AggregateFirst:      "FIRST",
}

// LookupAggregate decodes a wire code. ok is false for unknown codes.
func LookupAggregate(code int) (AggregateKind, bool) {
	kind := AggregateKind(code)
	_, ok := aggregateNames[kind]
	return kind, ok
}

func (a AggregateKind) String() string {
	if name, ok := aggregateNames[a]; ok {
		return name
	}
	return fmt.Sprintf("AggregateKind(%d)", int(a))
}

// TimeUnit is the unit a downsample precision is expressed in.
type TimeUnit int

const (
	TimeUnitYear TimeUnit = iota
	TimeUnitMonth
	TimeUnitWeek
	TimeUnitDay
	TimeUnitHour
	TimeUnitMinute
	TimeUnitSecond
	TimeUnitMillisecond
	TimeUnitMicrosecond
	TimeUnitNanosecond
)

var timeUnitNames = map[TimeUnit]string{
	TimeUnitYear:        "YEAR",
	TimeUnitMonth:       "MONTH",
	TimeUnitWeek:        "WEEK",
	TimeUnitDay:         "DAY",
	TimeUnitHour:        "HOUR",
	TimeUnitMinute:      "MINUTE",
	TimeUnitSecond:      "SECOND",
	TimeUnitMillisecond: "MILLISECOND",
	TimeUnitMicrosecond: "MICROSECOND",
	TimeUnitNanosecond:  "NANOSECOND",
}

// LookupTimeUnit decodes a wire code. ok is false for unknown codes.
func LookupTimeUnit(code int) (TimeUnit, bool) {
	unit := TimeUnit(code)
	_, ok := timeUnitNames[unit]
	return unit, ok
}

func (u TimeUnit) String() string {
	if name, ok := timeUnitNames[u]; ok {
		return name
	}
	return fmt.Sprintf("TimeUnit(%d)", int(u))
}

// Keys are milliseconds. Calendar units use fixed lengths.
var unitMillis = map[TimeUnit]int64{
	TimeUnitYear:        365 * 24 * 3600 * 1000,
	TimeUnitMonth:       30 * 24 * 3600 * 1000,
	TimeUnitWeek:        7 * 24 * 3600 * 1000,
	TimeUnitDay:         24 * 3600 * 1000,
	TimeUnitHour:        3600 * 1000,
	TimeUnitMinute:      60 * 1000,
	TimeUnitSecond:      1000,
	TimeUnitMillisecond: 1,
}

// BucketWidth converts precision expressed in u into key units (milliseconds).
// Sub-millisecond units are divided down and clamped to 1.
func (u TimeUnit) BucketWidth(precision int64) int64 {
	var width int64
	switch u {
	case TimeUnitMicrosecond:
		width = precision / 1000
	case TimeUnitNanosecond:
		width = precision / 1000000
	default:
		ms, ok := unitMillis[u]
		if !ok {
			ms = 1
		}
		if precision > math.MaxInt64/ms {
			return math.MaxInt64
		}
		width = precision * ms
	}
	if width < 1 {
		width = 1
	}
	return width
}

// QueryKind selects the backend query shape.
type QueryKind int

const (
	QuerySimple QueryKind = iota
	QueryDownsample
)

func (k QueryKind) String() string {
	if k == QueryDownsample {
		return "downsample"
	}
	return "simple"
}

// QuerySpec is a fully resolved backend query. Aggregate, Precision and
// TimeUnit are only meaningful when Kind is QueryDownsample.
type QuerySpec struct {
	Kind      QueryKind     `json:"kind" cbor:"kind"`
	Paths     []string      `json:"paths" cbor:"paths"`
	StartKey  int64         `json:"start_key" cbor:"start_key"`
	EndKey    int64         `json:"end_key" cbor:"end_key"`
	Aggregate AggregateKind `json:"aggregate,omitempty" cbor:"aggregate,omitempty"`
	Precision int64         `json:"precision,omitempty" cbor:"precision,omitempty"`
	TimeUnit  TimeUnit      `json:"time_unit,omitempty" cbor:"time_unit,omitempty"`
}

// Header describes the columns of a result table.
type Header struct {
	Columns      []string
	HasTimestamp bool
}

// Record is one row. Key is only meaningful when the header has a timestamp.
// Values holds bool, int32, int64, float32, float64 or []byte.
type Record struct {
	Key    int64
	Values map[string]any
}

// ResultTable is what a query returns.
type ResultTable struct {
	Header  Header
	Records []Record
}

// DataType is the value type of a series. Codes follow the backend wire contract.
type DataType int

const (
	DataTypeBoolean DataType = iota
	DataTypeInteger
	DataTypeLong
	DataTypeFloat
	DataTypeDouble
	DataTypeBinary
)

func (d DataType) String() string {
	switch d {
	case DataTypeBoolean:
		return "BOOLEAN"
	case DataTypeInteger:
		return "INTEGER"
	case DataTypeLong:
		return "LONG"
	case DataTypeFloat:
		return "FLOAT"
	case DataTypeDouble:
		return "DOUBLE"
	case DataTypeBinary:
		return "BINARY"
	default:
		return fmt.Sprintf("DataType(%d)", int(d))
	}
}

// DataTypeOf reports the data type of a scalar value.
func DataTypeOf(v any) (DataType, bool) {
	switch v.(type) {
	case bool:
		return DataTypeBoolean, true
	case int32:
		return DataTypeInteger, true
	case int64:
		return DataTypeLong, true
	case float32:
		return DataTypeFloat, true
	case float64:
		return DataTypeDouble, true
	case []byte:
		return DataTypeBinary, true
	default:
		return 0, false
	}
}

// Column is a series path with its data type.
type Column struct {
	Path     string   `json:"path" cbor:"path"`
	DataType DataType `json:"dataType" cbor:"data_type"`
}

// EngineType identifies the kind of storage node.
type EngineType int

const (
	EngineUnknown EngineType = iota
	EngineIoTDB12
	EngineInfluxDB
	EngineFilesystem
	EngineRelational
	EngineMongoDB
	EngineRedis
)

var engineNames = map[EngineType]string{
	EngineUnknown:    "unknown",
	EngineIoTDB12:    "iotdb12",
	EngineInfluxDB:   "influxdb",
	EngineFilesystem: "filesystem",
	EngineRelational: "relational",
	EngineMongoDB:    "mongodb",
	EngineRedis:      "redis",
}

// LookupEngineType decodes a wire code. Unknown codes map to EngineUnknown
// with ok false.
func LookupEngineType(code int) (EngineType, bool) {
	t := EngineType(code)
	if _, ok := engineNames[t]; !ok {
		return EngineUnknown, false
	}
	return t, true
}

func (e EngineType) String() string {
	if name, ok := engineNames[e]; ok {
		return name
	}
	return fmt.Sprintf("EngineType(%d)", int(e))
}

// Extra parameter keys understood by the backend registry.
const (
	ParamSchemaPrefix = "schema_prefix"
	ParamDataPrefix   = "data_prefix"
)

// StorageEngineDescriptor identifies a registered storage node.
type StorageEngineDescriptor struct {
	ID           int64             `json:"id" cbor:"id"`
	Host         string            `json:"ip" cbor:"host"`
	Port         int               `json:"port" cbor:"port"`
	Type         EngineType        `json:"type" cbor:"type"`
	SchemaPrefix string            `json:"schemaPrefix,omitempty" cbor:"schema_prefix,omitempty"`
	DataPrefix   string            `json:"dataPrefix,omitempty" cbor:"data_prefix,omitempty"`
	ExtraParams  map[string]string `json:"-" cbor:"extra_params,omitempty"`
}

// RemovedStorageEngine is the tuple a storage node is removed by.
type RemovedStorageEngine struct {
	Host         string `json:"ip" cbor:"host"`
	Port         int    `json:"port" cbor:"port"`
	SchemaPrefix string `json:"schemaPrefix" cbor:"schema_prefix"`
	DataPrefix   string `json:"dataPrefix" cbor:"data_prefix"`
}

// Matches reports whether d is the node identified by the tuple.
func (r RemovedStorageEngine) Matches(d StorageEngineDescriptor) bool {
	return r.Host == d.Host && r.Port == d.Port &&
		r.SchemaPrefix == d.SchemaPrefix && r.DataPrefix == d.DataPrefix
}
