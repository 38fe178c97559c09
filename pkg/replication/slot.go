package replication

import "github.com/jackc/pglogrepl"

// SlotInfo describes a server-side replication slot's state, as read back
// from pg_replication_slots. The zero value is InvalidSlot.
type SlotInfo struct {
	Exists              bool
	Name                string
	Plugin              string
	Active              bool
	ConfirmedFlushedLsn pglogrepl.LSN
	CatalogXmin         uint32
	HasValidFlushedLsn  bool
}

// InvalidSlot represents "no such slot on the server" — the result of
// ReadSlotInfo when no row matches the (name, plugin) pair.
var InvalidSlot = SlotInfo{}

// SlotState is the subset of slot state an upstream xmin-lag refresh needs:
// the confirmed flush position and the catalog xmin horizon the slot is
// holding back.
type SlotState struct {
	ConfirmedFlushedLsn pglogrepl.LSN
	CatalogXmin         uint32
}
