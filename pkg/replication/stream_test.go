package replication

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/jackc/pglogrepl"
	"github.com/rs/zerolog"
)

// forwardingDecoder is a MessageDecoder stub whose ProcessMessage simply
// hands the raw bytes to the processor, so stream tests can observe which
// frames reached decoding without a real WAL payload.
type forwardingDecoder struct{}

func (forwardingDecoder) TryOnceOptions(opts []string) []string        { return opts }
func (forwardingDecoder) OptionsWithMetadata(opts []string) []string    { return opts }
func (forwardingDecoder) OptionsWithoutMetadata(opts []string) []string { return opts }
func (forwardingDecoder) SetContainsMetadata(bool)                      {}
func (forwardingDecoder) ForceRds() bool                                { return false }
func (forwardingDecoder) ProcessMessage(ctx context.Context, data []byte, processor MessageProcessor, registry TypeRegistry) error {
	return processor.Process(ctx, data)
}

type processorFunc func(msg any) error

func (f processorFunc) Process(ctx context.Context, msg any) error { return f(msg) }

func newTestStream(startingLsn pglogrepl.LSN) *ReplicationStream {
	return newReplicationStream(nil, forwardingDecoder{}, nil, startingLsn, 0, zerolog.Nop(), &warningsBuffer{})
}

func TestCasMax(t *testing.T) {
	var v atomic.Uint64
	v.Store(5)

	casMax(&v, 3)
	if v.Load() != 5 {
		t.Errorf("casMax should not decrease: got %d, want 5", v.Load())
	}

	casMax(&v, 10)
	if v.Load() != 10 {
		t.Errorf("casMax should increase: got %d, want 10", v.Load())
	}
}

// TestFlushLsnMonotonic exercises the same CAS-based monotonic update
// FlushLsn applies to flushedLsn/appliedLsn. FlushLsn itself also forces a
// StandbyStatusUpdate over the wire (see TestFlushLsnForcesStatusUpdate in
// stream_integration_test.go, which needs a live connection), so this test
// drives the atomics directly rather than through a nil *pgconn.PgConn.
func TestFlushLsnMonotonic(t *testing.T) {
	s := newTestStream(100)

	casMax(&s.flushedLsn, uint64(200))
	casMax(&s.appliedLsn, uint64(200))
	if got := pglogrepl.LSN(s.flushedLsn.Load()); got != 200 {
		t.Errorf("flushedLsn = %v, want 200", got)
	}

	casMax(&s.flushedLsn, uint64(150))
	if got := pglogrepl.LSN(s.flushedLsn.Load()); got != 200 {
		t.Errorf("flushedLsn regressed: got %v, want 200", got)
	}
}

func TestLastReceivedLsn(t *testing.T) {
	s := newTestStream(42)
	if got := s.LastReceivedLsn(); got != 42 {
		t.Errorf("LastReceivedLsn() = %v, want 42", got)
	}
	casMax(&s.lastReceivedLsn, uint64(100))
	if got := s.LastReceivedLsn(); got != 100 {
		t.Errorf("LastReceivedLsn() = %v, want 100", got)
	}
}

func TestWarningsBufferDrainEmptiesBuffer(t *testing.T) {
	w := &warningsBuffer{}
	w.add("first")
	w.add("second")

	got := w.drain()
	if len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Errorf("drain() = %v, want [first second]", got)
	}

	if got := w.drain(); got != nil {
		t.Errorf("second drain() = %v, want nil", got)
	}
}

func TestStreamCloseIsIdempotent(t *testing.T) {
	s := newTestStream(0)
	s.runCtx, s.cancel = context.WithCancel(context.Background())
	close(s.done)

	if err := s.Close(); err != nil {
		t.Fatalf("Close() unexpected error: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close() unexpected error: %v", err)
	}
}

func TestKeepAliveStartIsNoopWithZeroInterval(t *testing.T) {
	s := newTestStream(0)
	s.StartKeepAlive(context.Background(), GoroutineExecutor{})
	if s.keepalive != nil {
		t.Errorf("StartKeepAlive with zero interval should not start a loop")
	}
	s.StopKeepAlive()
}

func TestStreamDiscardsFramesAtOrBelowStartingLsn(t *testing.T) {
	s := newTestStream(100)
	s.frames <- rawFrame{lsn: 50, data: nil}
	s.frames <- rawFrame{lsn: 100, data: nil}
	s.frames <- rawFrame{lsn: 150, data: []byte("payload")}
	close(s.frames)

	var processed int
	processor := processorFunc(func(msg any) error {
		processed++
		return nil
	})

	if err := s.Read(context.Background(), processor); err != nil {
		t.Fatalf("Read() unexpected error: %v", err)
	}
	if processed != 1 {
		t.Errorf("processed = %d, want 1 (only the frame above startingLsn)", processed)
	}
}
