package replication

import "context"

// TypeRegistry is an opaque, decoder-specific capability for resolving
// column/type information during decode (schema/type registries are
// deliberately out of scope for this package). The core never inspects
// it; it is only threaded through to the configured MessageDecoder.
type TypeRegistry any

// MessageProcessor receives one decoded logical message per call. It is
// invoked synchronously from ReplicationStream.Read / ReadPending, in
// strict server LSN order. A non-nil error propagates out of Read/
// ReadPending uncaught and terminates that call.
type MessageProcessor interface {
	Process(ctx context.Context, msg any) error
}

// MessageDecoder is the pluggable output-plugin capability (pgoutput,
// wal2json, decoderbufs, ...). The replication core never interprets row
// data; it negotiates plugin startup options and forwards raw WAL buffers
// for the decoder to parse and hand to a MessageProcessor.
type MessageDecoder interface {
	// TryOnceOptions appends options the server may reject on the first
	// connection attempt only (e.g. experimental feature probes). Applied
	// only on the first negotiation attempt.
	TryOnceOptions(opts []string) []string
	// OptionsWithMetadata appends the decoder's steady-state options when
	// operating with relation/schema metadata enabled.
	OptionsWithMetadata(opts []string) []string
	// OptionsWithoutMetadata appends the decoder's steady-state options
	// when metadata has been rejected or disabled.
	OptionsWithoutMetadata(opts []string) []string
	// SetContainsMetadata informs the decoder which mode was negotiated.
	SetContainsMetadata(containsMetadata bool)
	// ForceRds reports whether this decoder must run in metadata-less mode
	// unconditionally, regardless of negotiation (some managed Postgres
	// forks reject metadata options outright).
	ForceRds() bool
	// ProcessMessage parses one WAL buffer and invokes processor with the
	// decoded result. registry is passed through unexamined.
	ProcessMessage(ctx context.Context, data []byte, processor MessageProcessor, registry TypeRegistry) error
}
