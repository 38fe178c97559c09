package replication

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

// ControlConnection is a non-replication SQL session used to introspect and
// drop slots, and to read server/xmin state. It never issues the
// replication-protocol commands (those belong to the replication
// connection); it only runs ordinary catalog queries.
type ControlConnection interface {
	// ReadSlotInfo returns InvalidSlot (Exists == false) when no row
	// matches the (name, plugin) pair.
	ReadSlotInfo(ctx context.Context, name, plugin string) (SlotInfo, error)
	// DropReplicationSlot is best-effort: failures are logged and
	// swallowed because a drop may race with concurrent backend teardown.
	DropReplicationSlot(ctx context.Context, name string)
	// ServerMajorVersion returns the server's major version number.
	ServerMajorVersion(ctx context.Context) (int, error)
	// CurrentSlotState returns confirmedFlush + catalogXmin for an
	// existing slot. Fails with a NotFound-flavored error if the slot was
	// dropped concurrently.
	CurrentSlotState(ctx context.Context, name, plugin string) (SlotState, error)
	// Close releases the underlying connection.
	Close(ctx context.Context) error
}

type pgxControlConnection struct {
	conn   *pgx.Conn
	logger zerolog.Logger
}

// NewControlConnection dials a standard (non-replication) SQL connection to
// dsn for slot introspection and drop.
func NewControlConnection(ctx context.Context, dsn string, logger zerolog.Logger) (ControlConnection, error) {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("control connection: %w", err)
	}
	return &pgxControlConnection{
		conn:   conn,
		logger: logger.With().Str("component", "control-connection").Logger(),
	}, nil
}

func (c *pgxControlConnection) ReadSlotInfo(ctx context.Context, name, plugin string) (SlotInfo, error) {
	var (
		active      bool
		confirmed   *string
		catalogXmin *uint32
	)
	err := c.conn.QueryRow(ctx, `
		SELECT active, confirmed_flush_lsn::text, catalog_xmin
		FROM pg_replication_slots
		WHERE slot_name = $1 AND plugin = $2`, name, plugin).Scan(&active, &confirmed, &catalogXmin)
	if errors.Is(err, pgx.ErrNoRows) {
		return InvalidSlot, nil
	}
	if err != nil {
		return InvalidSlot, fmt.Errorf("read slot info %q: %w", name, err)
	}

	info := SlotInfo{
		Exists: true,
		Name:   name,
		Plugin: plugin,
		Active: active,
	}
	if catalogXmin != nil {
		info.CatalogXmin = *catalogXmin
	}
	if confirmed != nil {
		lsn, err := pglogrepl.ParseLSN(*confirmed)
		if err != nil {
			return InvalidSlot, fmt.Errorf("parse confirmed_flush_lsn for slot %q: %w", name, err)
		}
		info.ConfirmedFlushedLsn = lsn
		info.HasValidFlushedLsn = true
	}
	return info, nil
}

func (c *pgxControlConnection) DropReplicationSlot(ctx context.Context, name string) {
	_, err := c.conn.Exec(ctx, "SELECT pg_drop_replication_slot($1)", name)
	if err != nil {
		c.logger.Warn().Err(err).Str("slot", name).Msg("drop replication slot failed, ignoring")
	}
}

func (c *pgxControlConnection) ServerMajorVersion(ctx context.Context) (int, error) {
	var versionNum int
	if err := c.conn.QueryRow(ctx, "SHOW server_version_num").Scan(&versionNum); err != nil {
		return 0, fmt.Errorf("read server_version_num: %w", err)
	}
	return versionNum / 10000, nil
}

func (c *pgxControlConnection) CurrentSlotState(ctx context.Context, name, plugin string) (SlotState, error) {
	var (
		confirmed   *string
		catalogXmin *uint32
	)
	err := c.conn.QueryRow(ctx, `
		SELECT confirmed_flush_lsn::text, catalog_xmin
		FROM pg_replication_slots
		WHERE slot_name = $1 AND plugin = $2`, name, plugin).Scan(&confirmed, &catalogXmin)
	if errors.Is(err, pgx.ErrNoRows) {
		return SlotState{}, newError(KindInternalError, "CurrentSlotState", fmt.Errorf("slot %q not found: %w", name, err))
	}
	if err != nil {
		return SlotState{}, fmt.Errorf("current slot state %q: %w", name, err)
	}

	var state SlotState
	if catalogXmin != nil {
		state.CatalogXmin = *catalogXmin
	}
	if confirmed != nil {
		lsn, err := pglogrepl.ParseLSN(*confirmed)
		if err != nil {
			return SlotState{}, fmt.Errorf("parse confirmed_flush_lsn for slot %q: %w", name, err)
		}
		state.ConfirmedFlushedLsn = lsn
	}
	return state, nil
}

func (c *pgxControlConnection) Close(ctx context.Context) error {
	return c.conn.Close(ctx)
}
