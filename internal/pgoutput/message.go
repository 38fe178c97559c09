// Package pgoutput implements replication.MessageDecoder for PostgreSQL's
// built-in "pgoutput" logical decoding plugin.
package pgoutput

import (
	"time"

	"github.com/jackc/pglogrepl"
)

// Op identifies the DML operation carried by a ChangeMessage.
type Op int

const (
	OpInsert Op = iota
	OpUpdate
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpInsert:
		return "INSERT"
	case OpUpdate:
		return "UPDATE"
	case OpDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// Column describes one column's identity and, for change messages, its
// encoded value.
type Column struct {
	Name     string
	DataType uint32
	Value    []byte
}

// TupleData holds the column values for one row image.
type TupleData struct {
	Columns []Column
}

// BeginMessage marks the start of a transaction.
type BeginMessage struct {
	TxnLSN  pglogrepl.LSN
	TxnTime time.Time
	XID     uint32
}

// CommitMessage marks the end of a transaction.
type CommitMessage struct {
	CommitLSN pglogrepl.LSN
	TxnTime   time.Time
}

// RelationMessage carries schema metadata (table identity + column list) for
// a relation, sent before any change referencing it.
type RelationMessage struct {
	RelationID uint32
	Namespace  string
	Name       string
	Columns    []Column
	MsgLSN     pglogrepl.LSN
	MsgTime    time.Time
}

// ChangeMessage represents a single INSERT, UPDATE, or DELETE.
type ChangeMessage struct {
	Op         Op
	RelationID uint32
	Namespace  string
	Table      string
	OldTuple   *TupleData
	NewTuple   *TupleData
	MsgLSN     pglogrepl.LSN
	MsgTime    time.Time
	Origin     string
}

// TruncateMessage represents a TRUNCATE of one or more relations.
type TruncateMessage struct {
	RelationIDs []uint32
	MsgLSN      pglogrepl.LSN
	MsgTime     time.Time
}

func decodeTuple(tuple *pglogrepl.TupleData, cols []Column) *TupleData {
	if tuple == nil {
		return nil
	}
	td := &TupleData{Columns: make([]Column, len(tuple.Columns))}
	for i, c := range tuple.Columns {
		col := Column{Value: c.Data}
		if i < len(cols) {
			col.Name = cols[i].Name
			col.DataType = cols[i].DataType
		}
		td.Columns[i] = col
	}
	return td
}
