//go:build integration

package replication

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
)

// TestFlushLsnForcesStatusUpdate exercises FlushLsn's full contract (§4.5):
// updating the flushed/applied positions and forcing an immediate
// StandbyStatusUpdate, against a real replication-mode connection. The unit
// tests in stream_test.go cover the monotonic CAS behavior alone since they
// run without a live server.
func TestFlushLsnForcesStatusUpdate(t *testing.T) {
	ctx := context.Background()
	dsn := testDSN(t)

	control, err := NewControlConnection(ctx, dsn, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewControlConnection: %v", err)
	}
	defer control.Close(ctx)

	replConfig, err := pgconn.ParseConfig(dsn + "?replication=database")
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	replConn, err := pgconn.ConnectConfig(ctx, replConfig)
	if err != nil {
		t.Fatalf("ConnectConfig: %v", err)
	}
	defer replConn.Close(ctx)

	slotName := fmt.Sprintf("replcore_flush_test_%d", rand.Intn(1_000_000))
	manager := NewSlotManager(zerolog.Nop())
	defer control.DropReplicationSlot(ctx, slotName)

	startLsn, err := manager.Ensure(ctx, replConn, control, SessionConfig{SlotName: slotName, Plugin: "pgoutput"})
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	stream := newReplicationStream(replConn, forwardingDecoder{}, nil, startLsn, 0, zerolog.Nop(), &warningsBuffer{})

	flushCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := stream.FlushLsn(flushCtx, startLsn); err != nil {
		t.Fatalf("FlushLsn: %v", err)
	}
	if got := pglogrepl.LSN(stream.flushedLsn.Load()); got != startLsn {
		t.Errorf("flushedLsn = %v, want %v", got, startLsn)
	}
}
