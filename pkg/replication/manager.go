package replication

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
)

// SlotManager ensures a named slot exists for a given output plugin and
// computes the LSN a new stream should start from.
type SlotManager struct {
	logger zerolog.Logger
}

// NewSlotManager constructs a SlotManager with the given logger.
func NewSlotManager(logger zerolog.Logger) *SlotManager {
	return &SlotManager{logger: logger.With().Str("component", "slot-manager").Logger()}
}

// Ensure implements §4.3: read-or-create the slot, reject a busy slot,
// run IDENTIFY_SYSTEM, and compute the starting LSN.
func (m *SlotManager) Ensure(ctx context.Context, replConn *pgconn.PgConn, control ControlConnection, cfg SessionConfig) (pglogrepl.LSN, error) {
	for {
		slotInfo, err := control.ReadSlotInfo(ctx, cfg.SlotName, cfg.Plugin)
		if err != nil {
			return 0, fmt.Errorf("ensure slot %q: %w", cfg.SlotName, err)
		}

		shouldCreateSlot := false

		if !slotInfo.Exists {
			if err := m.createSlot(ctx, replConn, cfg); err != nil {
				if isUniqueViolation(err) {
					m.logger.Warn().Str("slot", cfg.SlotName).Msg("slot creation raced with concurrent client, re-reading")
					continue
				}
				return 0, fmt.Errorf("create slot %q: %w", cfg.SlotName, err)
			}
			shouldCreateSlot = true
		} else if slotInfo.Active {
			return 0, newError(KindSlotBusy, "Ensure", fmt.Errorf("slot %q already has an active consumer", cfg.SlotName))
		}

		xlogStart, err := identifySystem(ctx, replConn)
		if err != nil {
			return 0, err
		}

		if shouldCreateSlot || !slotInfo.HasValidFlushedLsn {
			return xlogStart, nil
		}
		if slotInfo.ConfirmedFlushedLsn < xlogStart {
			return slotInfo.ConfirmedFlushedLsn, nil
		}
		return xlogStart, nil
	}
}

func (m *SlotManager) createSlot(ctx context.Context, replConn *pgconn.PgConn, cfg SessionConfig) error {
	if cfg.TemporarySlot() {
		sql := fmt.Sprintf("CREATE_REPLICATION_SLOT %s TEMPORARY LOGICAL %s", cfg.SlotName, cfg.Plugin)
		if _, err := pglogrepl.ParseCreateReplicationSlot(replConn.Exec(ctx, sql)); err != nil {
			return err
		}
		m.logger.Info().Str("slot", cfg.SlotName).Str("plugin", cfg.Plugin).Msg("created temporary replication slot")
		return nil
	}

	_, err := pglogrepl.CreateReplicationSlot(ctx, replConn, cfg.SlotName, cfg.Plugin, pglogrepl.CreateReplicationSlotOptions{
		Temporary:      false,
		SnapshotAction: "NOEXPORT_SNAPSHOT",
	})
	if err != nil {
		return err
	}
	m.logger.Info().Str("slot", cfg.SlotName).Str("plugin", cfg.Plugin).Msg("created replication slot")
	return nil
}

func identifySystem(ctx context.Context, replConn *pgconn.PgConn) (pglogrepl.LSN, error) {
	sysident, err := pglogrepl.IdentifySystem(ctx, replConn)
	if err != nil {
		return 0, newError(KindNotAReplicationConnection, "IDENTIFY_SYSTEM", err)
	}
	return sysident.XLogPos, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "already exists")
}
