// Package unison implements the Unison core runtime: a schema-agnostic,
// bidirectional messaging protocol over a single QUIC connection.
//
// The core turns one QUIC connection into a set of independent, named
// channels (one QUIC bidirectional stream each) and multiplexes
// request/response correlation, event push, and raw byte transfer on top
// of them. It does not know about any schema; callers address channels by
// name and exchange JSON payloads, with typed projection left to
// generated code built on top of this package.
package unison
