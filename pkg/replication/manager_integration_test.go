//go:build integration

package replication

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
)

func TestSlotManagerEnsureCreatesThenResumes(t *testing.T) {
	ctx := context.Background()
	dsn := testDSN(t)

	control, err := NewControlConnection(ctx, dsn, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewControlConnection: %v", err)
	}
	defer control.Close(ctx)

	major, err := control.ServerMajorVersion(ctx)
	if err != nil {
		t.Fatalf("ServerMajorVersion: %v", err)
	}

	replConfig, err := pgconn.ParseConfig(dsn + "?replication=database")
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	replConn, err := pgconn.ConnectConfig(ctx, replConfig)
	if err != nil {
		t.Fatalf("ConnectConfig: %v", err)
	}
	defer replConn.Close(ctx)

	slotName := fmt.Sprintf("replcore_test_%d", rand.Intn(1_000_000))
	cfg := SessionConfig{SlotName: slotName, Plugin: "pgoutput"}
	cfg = withMajor(cfg, major)

	manager := NewSlotManager(zerolog.Nop())
	defer control.DropReplicationSlot(ctx, slotName)

	firstLsn, err := manager.Ensure(ctx, replConn, control, cfg)
	if err != nil {
		t.Fatalf("Ensure (create): %v", err)
	}

	secondLsn, err := manager.Ensure(ctx, replConn, control, cfg)
	if err != nil {
		t.Fatalf("Ensure (resume): %v", err)
	}
	if secondLsn > firstLsn {
		t.Errorf("Ensure resumed past the initial position: first=%v second=%v", firstLsn, secondLsn)
	}
}

func withMajor(cfg SessionConfig, major int) SessionConfig {
	cfg.serverMajorVersion = major
	return cfg
}
