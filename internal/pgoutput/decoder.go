package pgoutput

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pglogrepl"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgreplicate/pkg/replication"
)

// Decoder implements replication.MessageDecoder for pgoutput. It tracks
// relation metadata across calls to ProcessMessage (the server sends a
// RelationMessage once per relation per connection, not on every change),
// so it must stay bound to a single ReplicationSession for its lifetime.
type Decoder struct {
	publications []string
	protoVersion string
	forceRds     bool

	containsMetadata bool
	relations        map[uint32]*RelationMessage
	pendingBegin     *BeginMessage
	origin           string

	logger zerolog.Logger
}

// Option configures a Decoder at construction time.
type Option func(*Decoder)

// WithProtoVersion overrides the negotiated pgoutput protocol version
// (default "1").
func WithProtoVersion(v string) Option {
	return func(d *Decoder) { d.protoVersion = v }
}

// WithForceRds marks this decoder as needing the metadata-less negotiation
// path unconditionally, for managed Postgres forks that reject
// include-metadata outright.
func WithForceRds() Option {
	return func(d *Decoder) { d.forceRds = true }
}

// New constructs a Decoder for the given publications.
func New(logger zerolog.Logger, publications []string, opts ...Option) *Decoder {
	d := &Decoder{
		publications: publications,
		protoVersion: "1",
		relations:    make(map[uint32]*RelationMessage),
		logger:       logger.With().Str("component", "pgoutput-decoder").Logger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

var _ replication.MessageDecoder = (*Decoder)(nil)

// TryOnceOptions appends the logical-message capture option, which older
// servers (pre-14) reject as unknown. Applied on the first negotiation
// attempt only.
func (d *Decoder) TryOnceOptions(opts []string) []string {
	return append(opts, "messages 'true'")
}

// OptionsWithMetadata appends the steady-state options with relation
// metadata (column names/types on UPDATE/DELETE old tuples) enabled.
func (d *Decoder) OptionsWithMetadata(opts []string) []string {
	return append(d.baseOptions(opts), "include-metadata 'true'")
}

// OptionsWithoutMetadata appends the steady-state options without relation
// metadata.
func (d *Decoder) OptionsWithoutMetadata(opts []string) []string {
	return d.baseOptions(opts)
}

func (d *Decoder) baseOptions(opts []string) []string {
	opts = append(opts,
		fmt.Sprintf("proto_version '%s'", d.protoVersion),
		fmt.Sprintf("publication_names '%s'", strings.Join(d.publications, ",")),
	)
	return opts
}

// SetContainsMetadata records which negotiation mode succeeded.
func (d *Decoder) SetContainsMetadata(containsMetadata bool) {
	d.containsMetadata = containsMetadata
}

// ForceRds reports the decoder's configured forceRds flag.
func (d *Decoder) ForceRds() bool {
	return d.forceRds
}

// ProcessMessage parses one WAL buffer and invokes processor.Process once
// per logical message it yields. registry is accepted to satisfy
// replication.MessageDecoder but unused: pgoutput resolves types from the
// RelationMessage column list it already tracks.
func (d *Decoder) ProcessMessage(ctx context.Context, data []byte, processor replication.MessageProcessor, registry replication.TypeRegistry) error {
	logicalMsg, err := pglogrepl.Parse(data)
	if err != nil {
		return fmt.Errorf("parse pgoutput message: %w", err)
	}

	switch msg := logicalMsg.(type) {
	case *pglogrepl.BeginMessage:
		d.pendingBegin = &BeginMessage{
			TxnLSN:  pglogrepl.LSN(msg.FinalLSN),
			TxnTime: msg.CommitTime,
			XID:     msg.Xid,
		}
		return nil

	case *pglogrepl.CommitMessage:
		if d.pendingBegin != nil {
			// Empty transaction: nothing referenced a row in a tracked
			// relation. Drop silently rather than emit a Begin/Commit pair
			// with no content in between.
			d.pendingBegin = nil
			return nil
		}
		return processor.Process(ctx, &CommitMessage{
			CommitLSN: pglogrepl.LSN(msg.CommitLSN),
			TxnTime:   msg.CommitTime,
		})

	case *pglogrepl.RelationMessage:
		cols := make([]Column, len(msg.Columns))
		for i, c := range msg.Columns {
			cols[i] = Column{Name: c.Name, DataType: c.DataType}
		}
		rel := &RelationMessage{
			RelationID: msg.RelationID,
			Namespace:  msg.Namespace,
			Name:       msg.RelationName,
			Columns:    cols,
		}
		d.relations[msg.RelationID] = rel
		if err := d.flushPendingBegin(ctx, processor); err != nil {
			return err
		}
		return processor.Process(ctx, rel)

	case *pglogrepl.InsertMessage:
		rel, ok := d.relations[msg.RelationID]
		if !ok {
			d.logger.Warn().Uint32("relation_id", msg.RelationID).Msg("unknown relation for insert")
			return nil
		}
		if err := d.flushPendingBegin(ctx, processor); err != nil {
			return err
		}
		return processor.Process(ctx, &ChangeMessage{
			Op:         OpInsert,
			RelationID: msg.RelationID,
			Namespace:  rel.Namespace,
			Table:      rel.Name,
			NewTuple:   decodeTuple(msg.Tuple, rel.Columns),
			Origin:     d.origin,
		})

	case *pglogrepl.UpdateMessage:
		rel, ok := d.relations[msg.RelationID]
		if !ok {
			d.logger.Warn().Uint32("relation_id", msg.RelationID).Msg("unknown relation for update")
			return nil
		}
		if err := d.flushPendingBegin(ctx, processor); err != nil {
			return err
		}
		cm := &ChangeMessage{
			Op:         OpUpdate,
			RelationID: msg.RelationID,
			Namespace:  rel.Namespace,
			Table:      rel.Name,
			NewTuple:   decodeTuple(msg.NewTuple, rel.Columns),
			Origin:     d.origin,
		}
		if msg.OldTuple != nil {
			cm.OldTuple = decodeTuple(msg.OldTuple, rel.Columns)
		}
		return processor.Process(ctx, cm)

	case *pglogrepl.DeleteMessage:
		rel, ok := d.relations[msg.RelationID]
		if !ok {
			d.logger.Warn().Uint32("relation_id", msg.RelationID).Msg("unknown relation for delete")
			return nil
		}
		if err := d.flushPendingBegin(ctx, processor); err != nil {
			return err
		}
		return processor.Process(ctx, &ChangeMessage{
			Op:         OpDelete,
			RelationID: msg.RelationID,
			Namespace:  rel.Namespace,
			Table:      rel.Name,
			OldTuple:   decodeTuple(msg.OldTuple, rel.Columns),
			Origin:     d.origin,
		})

	case *pglogrepl.TruncateMessage:
		if err := d.flushPendingBegin(ctx, processor); err != nil {
			return err
		}
		return processor.Process(ctx, &TruncateMessage{RelationIDs: msg.RelationIDs})

	case *pglogrepl.OriginMessage:
		d.origin = msg.Name
		return nil

	case *pglogrepl.LogicalDecodingMessage:
		// Requires the "messages" try-once option; silently unreachable if
		// the server downgraded it away.
		return nil

	default:
		return nil
	}
}

func (d *Decoder) flushPendingBegin(ctx context.Context, processor replication.MessageProcessor) error {
	if d.pendingBegin == nil {
		return nil
	}
	begin := d.pendingBegin
	d.pendingBegin = nil
	return processor.Process(ctx, begin)
}
