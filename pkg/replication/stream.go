package replication

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/rs/zerolog"
)

// recvTimeout bounds each ReceiveMessage call so the loop can re-check its
// standby deadline and ctx.Done even when the server is silent.
const recvTimeout = 2 * time.Second

// warningsDrainEvery is how often (in successful reads) the stream drains
// and logs buffered server notices, per §4.5.
const warningsDrainEvery = 100

// warningsBuffer accumulates server notices delivered via pgconn's OnNotice
// hook between drains. pgconn has no notice inbox of its own; this is the
// seam that lets ReplicationStream poll them periodically instead of
// handling each one on the connection's own goroutine.
type warningsBuffer struct {
	mu       sync.Mutex
	messages []string
}

func (w *warningsBuffer) add(msg string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.messages = append(w.messages, msg)
}

func (w *warningsBuffer) drain() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.messages) == 0 {
		return nil
	}
	out := w.messages
	w.messages = nil
	return out
}

// rawFrame is one WAL buffer paired with its starting LSN, handed from the
// receive loop to Read/ReadPending for decoding.
type rawFrame struct {
	lsn  pglogrepl.LSN
	data []byte
}

// ReplicationStream is the open logical stream returned by
// ReplicationSession.StartStreaming. A single background goroutine performs
// all wire-level reads; Read/ReadPending invoke the configured MessageDecoder
// synchronously in the caller's goroutine, preserving strict LSN order.
type ReplicationStream struct {
	conn     *pgconn.PgConn
	decoder  MessageDecoder
	registry TypeRegistry
	logger   zerolog.Logger
	warnings *warningsBuffer

	statusInterval time.Duration
	startingLsn    pglogrepl.LSN

	lastReceivedLsn atomic.Uint64
	flushedLsn      atomic.Uint64
	appliedLsn      atomic.Uint64
	serverWALEnd    atomic.Uint64

	statusMu       sync.Mutex
	lastStatusTime time.Time

	frames chan rawFrame

	runCtx    context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once

	errMu   sync.Mutex
	loopErr error

	keepalive *KeepaliveLoop
}

// newReplicationStream constructs a stream bound to an already-open
// replication-mode connection on which START_REPLICATION has already
// succeeded. Call start to begin the background receive loop.
func newReplicationStream(
	conn *pgconn.PgConn,
	decoder MessageDecoder,
	registry TypeRegistry,
	startingLsn pglogrepl.LSN,
	statusInterval time.Duration,
	logger zerolog.Logger,
	warnings *warningsBuffer,
) *ReplicationStream {
	s := &ReplicationStream{
		conn:           conn,
		decoder:        decoder,
		registry:       registry,
		logger:         logger.With().Str("component", "replication-stream").Logger(),
		warnings:       warnings,
		statusInterval: statusInterval,
		startingLsn:    startingLsn,
		frames:         make(chan rawFrame, 4096),
		done:           make(chan struct{}),
	}
	s.lastReceivedLsn.Store(uint64(startingLsn))
	s.flushedLsn.Store(uint64(startingLsn))
	return s
}

// start launches the background receive loop. Must be called at most once.
func (s *ReplicationStream) start(ctx context.Context) {
	s.runCtx, s.cancel = context.WithCancel(ctx)
	go s.receiveLoop(s.runCtx)
}

// ForceUpdateStatus sends an unsolicited StandbyStatusUpdate immediately.
// Internally synchronized so it is safe to call from both the reader and
// from a concurrently running keepalive loop (§9: forceUpdateStatus must
// not race with the loop's own periodic sends).
func (s *ReplicationStream) ForceUpdateStatus(ctx context.Context) error {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	return s.sendStandbyStatusLocked(ctx)
}

func (s *ReplicationStream) sendStandbyStatusLocked(ctx context.Context) error {
	s.lastStatusTime = time.Now()
	lsn := s.effectiveLsn()
	err := pglogrepl.SendStandbyStatusUpdate(ctx, s.conn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: lsn,
		WALFlushPosition: pglogrepl.LSN(s.flushedLsn.Load()),
		WALApplyPosition: pglogrepl.LSN(s.appliedLsn.Load()),
	})
	if err != nil {
		return fmt.Errorf("send standby status: %w", err)
	}
	return nil
}

// effectiveLsn reports the server's WAL end when the frame buffer is
// drained and the server has advanced further than our last confirmed
// write, so an idle consumer doesn't let its slot fall behind (mirrors the
// teacher's effectiveLSN).
func (s *ReplicationStream) effectiveLsn() pglogrepl.LSN {
	received := pglogrepl.LSN(s.lastReceivedLsn.Load())
	serverEnd := pglogrepl.LSN(s.serverWALEnd.Load())
	if len(s.frames) == 0 && serverEnd > received {
		return serverEnd
	}
	return received
}

// Read blocks until the next logical message is available, decodes it, and
// invokes processor.Process. Frames at or below the stream's starting LSN
// are discarded (a resumed stream may replay the last unconfirmed record).
func (s *ReplicationStream) Read(ctx context.Context, processor MessageProcessor) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-s.frames:
			if !ok {
				return s.exitError()
			}
			if frame.lsn <= s.startingLsn {
				continue
			}
			casMax(&s.lastReceivedLsn, uint64(frame.lsn))
			return s.decoder.ProcessMessage(ctx, frame.data, processor, s.registry)
		}
	}
}

// ReadPending is the non-blocking counterpart to Read: it returns
// (false, nil) immediately if no frame is currently buffered.
func (s *ReplicationStream) ReadPending(ctx context.Context, processor MessageProcessor) (bool, error) {
	for {
		select {
		case frame, ok := <-s.frames:
			if !ok {
				return false, s.exitError()
			}
			if frame.lsn <= s.startingLsn {
				continue
			}
			casMax(&s.lastReceivedLsn, uint64(frame.lsn))
			return true, s.decoder.ProcessMessage(ctx, frame.data, processor, s.registry)
		default:
			return false, nil
		}
	}
}

func (s *ReplicationStream) exitError() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.loopErr != nil {
		return newError(KindConnectionLost, "Read", s.loopErr)
	}
	return nil
}

// FlushLsn records the LSN the application has durably persisted and forces
// an immediate status update so the server learns about it without waiting
// for the next keepalive tick. It is monotonic: a lower value than what's
// already recorded is ignored.
func (s *ReplicationStream) FlushLsn(ctx context.Context, lsn pglogrepl.LSN) error {
	casMax(&s.flushedLsn, uint64(lsn))
	casMax(&s.appliedLsn, uint64(lsn))
	return s.ForceUpdateStatus(ctx)
}

// LastReceivedLsn returns the LSN of the most recent frame that Read or
// ReadPending handed to the decoder (the starting LSN before any), independent
// of whether it has been flushed yet. Frames still buffered from the wire do
// not advance it.
func (s *ReplicationStream) LastReceivedLsn() pglogrepl.LSN {
	return pglogrepl.LSN(s.lastReceivedLsn.Load())
}

// StartKeepAlive starts a background loop that periodically calls
// ForceUpdateStatus on the caller-supplied executor. A no-op if
// statusInterval is zero. Idempotent: a second call while one is already
// running has no effect.
func (s *ReplicationStream) StartKeepAlive(ctx context.Context, executor Executor) {
	if s.statusInterval <= 0 {
		return
	}
	s.statusMu.Lock()
	if s.keepalive != nil {
		s.statusMu.Unlock()
		return
	}
	loop := NewKeepaliveLoop(s.statusInterval, s.ForceUpdateStatus, func(err error) {
		s.logger.Warn().Err(err).Msg("keepalive status update failed")
	}, s.logger)
	s.keepalive = loop
	s.statusMu.Unlock()

	loop.Start(ctx, executor)
}

// StopKeepAlive stops the keepalive loop if one is running. Idempotent.
func (s *ReplicationStream) StopKeepAlive() {
	s.statusMu.Lock()
	loop := s.keepalive
	s.statusMu.Unlock()
	if loop != nil {
		loop.Stop()
	}
}

// Close stops the keepalive loop, cancels the receive loop, waits for it to
// exit, and drains any remaining buffered warnings. It does not close the
// underlying connection or drop the slot — that is ReplicationSession's job.
func (s *ReplicationStream) Close() error {
	s.closeOnce.Do(func() {
		s.StopKeepAlive()
		if s.cancel != nil {
			s.cancel()
			<-s.done
		}
		s.logPendingWarnings()
	})
	return nil
}

func (s *ReplicationStream) logPendingWarnings() {
	if s.warnings == nil {
		return
	}
	for _, msg := range s.warnings.drain() {
		s.logger.Debug().Str("source", "server-notice").Msg(msg)
	}
}

func (s *ReplicationStream) receiveLoop(ctx context.Context) {
	defer close(s.done)
	defer close(s.frames)

	var reads int64

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if s.statusInterval > 0 && time.Since(s.lastStatusSnapshot()) >= s.statusInterval {
			if err := s.ForceUpdateStatus(ctx); err != nil {
				s.logger.Err(err).Msg("periodic standby status failed")
			}
		}

		recvCtx, cancel := context.WithDeadline(ctx, time.Now().Add(recvTimeout))
		rawMsg, err := s.conn.ReceiveMessage(recvCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if pgconn.Timeout(err) {
				continue
			}
			s.setLoopErr(fmt.Errorf("receive message: %w", err))
			return
		}

		if errResp, ok := rawMsg.(*pgproto3.ErrorResponse); ok {
			s.logger.Error().
				Str("severity", errResp.Severity).
				Str("code", errResp.Code).
				Str("message", errResp.Message).
				Msg("server error from replication stream")
			s.setLoopErr(fmt.Errorf("server error: %s: %s (SQLSTATE %s)", errResp.Severity, errResp.Message, errResp.Code))
			return
		}

		copyData, ok := rawMsg.(*pgproto3.CopyData)
		if !ok || len(copyData.Data) == 0 {
			continue
		}

		switch copyData.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(copyData.Data[1:])
			if err != nil {
				s.logger.Err(err).Msg("parse keepalive")
				continue
			}
			casMax(&s.serverWALEnd, uint64(pkm.ServerWALEnd))
			if pkm.ReplyRequested {
				if err := s.ForceUpdateStatus(ctx); err != nil {
					s.logger.Err(err).Msg("keepalive reply failed")
				}
			}

		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(copyData.Data[1:])
			if err != nil {
				s.logger.Err(err).Msg("parse xlogdata")
				continue
			}
			casMax(&s.serverWALEnd, uint64(xld.ServerWALEnd))

			frame := rawFrame{lsn: pglogrepl.LSN(xld.WALStart), data: xld.WALData}
			s.emit(ctx, frame)

			reads++
			if reads%warningsDrainEvery == 0 {
				s.logPendingWarnings()
			}
		}
	}
}

// emit pushes a frame onto the buffered channel, sending standby heartbeats
// while blocked so a slow consumer doesn't cause the server to time the
// connection out on backpressure alone.
func (s *ReplicationStream) emit(ctx context.Context, frame rawFrame) {
	for {
		select {
		case s.frames <- frame:
			return
		case <-ctx.Done():
			return
		default:
		}

		if time.Since(s.lastStatusSnapshot()) >= time.Second {
			if err := s.ForceUpdateStatus(ctx); err != nil {
				s.logger.Err(err).Msg("emit backpressure: standby status failed")
			}
		}

		t := time.NewTimer(100 * time.Millisecond)
		select {
		case s.frames <- frame:
			t.Stop()
			return
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
}

func (s *ReplicationStream) lastStatusSnapshot() time.Time {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	return s.lastStatusTime
}

func (s *ReplicationStream) setLoopErr(err error) {
	s.errMu.Lock()
	s.loopErr = err
	s.errMu.Unlock()
}

// casMax atomically stores v into dst if v is greater than dst's current
// value, retrying on concurrent writers.
func casMax(dst *atomic.Uint64, v uint64) {
	for {
		cur := dst.Load()
		if v <= cur {
			return
		}
		if dst.CompareAndSwap(cur, v) {
			return
		}
	}
}
