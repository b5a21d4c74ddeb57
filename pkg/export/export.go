package export

import (
	"context"
	"strconv"
	"strings"

	"github.com/nicktill/tsgate/pkg/backend"
	"github.com/nicktill/tsgate/pkg/metrics"
)

// TableDto is the synchronous query response body.
type TableDto struct {
	Columns []string         `json:"columns"`
	Rows    []map[string]any `json:"rows"`
}

// Sink receives exported lines. Implementations report a closed or failed
// destination through the returned errors.
type Sink interface {
	WriteLine(line string) error
	Flush() error
}

// Stats describes a finished stream.
type Stats struct {
	Rows int
	// Disconnected is set when the sink or context ended the stream early.
	// Rows already flushed stay with the client.
	Disconnected bool
	Cause        error
}

// Columns returns the output column order: the timestamp column first when
// the table carries one, then the table's own columns.
func Columns(header backend.Header, timeColumn string) []string {
	columns := make([]string, 0, len(header.Columns)+1)
	if header.HasTimestamp {
		columns = append(columns, timeColumn)
	}
	return append(columns, header.Columns...)
}

// Materialize renders the whole table in memory.
func Materialize(table *backend.ResultTable, timeColumn string) TableDto {
	dto := TableDto{Columns: []string{}, Rows: []map[string]any{}}
	if table == nil {
		return dto
	}
	dto.Columns = Columns(table.Header, timeColumn)
	dto.Rows = make([]map[string]any, 0, len(table.Records))

	for _, rec := range table.Records {
		row := make(map[string]any, len(rec.Values)+1)
		if table.Header.HasTimestamp {
			row[timeColumn] = rec.Key
		}
		for name, v := range rec.Values {
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			row[name] = v
		}
		dto.Rows = append(dto.Rows, row)
	}
	return dto
}

// StreamTo writes a header line then one line per record, flushing after
// each. Values are comma-joined without quoting. A sink failure or ctx
// cancellation stops the loop and is reported in Stats, never as an error.
func StreamTo(ctx context.Context, table *backend.ResultTable, sink Sink, timeColumn string) Stats {
	var stats Stats
	if table == nil {
		table = &backend.ResultTable{}
	}

	stop := func(err error) Stats {
		stats.Disconnected = true
		stats.Cause = err
		metrics.ExportDisconnects.Inc()
		return stats
	}

	if err := writeLine(sink, strings.Join(Columns(table.Header, timeColumn), ",")); err != nil {
		return stop(err)
	}

	fields := make([]string, 0, len(table.Header.Columns)+1)
	for _, rec := range table.Records {
		if err := ctx.Err(); err != nil {
			return stop(err)
		}

		fields = fields[:0]
		if table.Header.HasTimestamp {
			fields = append(fields, strconv.FormatInt(rec.Key, 10))
		}
		for _, col := range table.Header.Columns {
			fields = append(fields, FormatValue(rec.Values[col]))
		}
		if err := writeLine(sink, strings.Join(fields, ",")); err != nil {
			return stop(err)
		}
		stats.Rows++
		metrics.ExportRows.Inc()
	}
	return stats
}

func writeLine(sink Sink, line string) error {
	if err := sink.WriteLine(line); err != nil {
		return err
	}
	return sink.Flush()
}

// FormatValue renders a scalar for CSV output. Missing values are empty.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case bool:
		return strconv.FormatBool(x)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case []byte:
		return string(x)
	case string:
		return x
	default:
		return ""
	}
}
