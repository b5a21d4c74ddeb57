// Package export renders backend result tables for clients.
//
// # Overview
//
// Two renderings share one column order: the timestamp column (configurable,
// "Time" by default) comes first when the table carries keys, then the
// table's own columns in header order.
//
//   - Materialize builds a TableDto in memory for synchronous query responses.
//   - StreamTo writes CSV-like lines to a Sink, flushing after every line, so
//     large results never sit in gateway memory.
//
// # Streaming Format
//
//	Time,root.sg.temp,root.sg.ok
//	1000,20.5,true
//	2000,21,
//
// Values are joined with commas and are not quoted or escaped. A value that
// contains a comma or newline produces a malformed line; clients that store
// free text in BINARY series should use the JSON query endpoint instead.
//
// # Disconnects
//
// A client that goes away mid-export is expected. StreamTo stops at the first
// sink error or context cancellation and reports it through Stats instead of
// returning an error. Lines flushed before the disconnect stay with the client.
//
// # Sinks
//
//   - HTTPSink writes to an http.ResponseWriter with attachment headers and
//     flushes through http.ResponseController.
//   - WSSink sends each line as a websocket text frame.
package export
