package replication

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
)

// optionUnknownPattern matches the server's rejection of a plugin option it
// does not recognize. Preserved verbatim per §9: this exact shape is the
// contract the retry state machine keys off.
var optionUnknownPattern = regexp.MustCompile(`option "[^"]+" is unknown`)

// walGonePattern matches the server's rejection of a start LSN behind its
// WAL retention window.
var walGonePattern = regexp.MustCompile(`requested WAL segment .* has already been removed|requested WAL.* is not available`)

// postOpenSettleDelay works around a server race when replication
// connections churn fast in tests. TODO: remove once the upstream driver
// race (duplicate slot registration briefly visible after START_REPLICATION)
// is fixed; tracked as an open question in the source spec, not invented here.
const postOpenSettleDelay = 10 * time.Millisecond

// ReplicationSession owns the replication-mode connection, performs
// IDENTIFY_SYSTEM and slot setup at construction, and exposes the
// StartStreaming/Close contract (§4.4). Construct one via Builder.Build.
type ReplicationSession struct {
	mu sync.Mutex

	cfg          SessionConfig
	streamParams map[string]string

	replConn *pgconn.PgConn
	control  ControlConnection
	manager  *SlotManager

	decoder  MessageDecoder
	registry TypeRegistry
	executor Executor
	logger   zerolog.Logger

	defaultStartingPos pglogrepl.LSN
	warnings           *warningsBuffer

	stream *ReplicationStream
	closed bool
}

// StartStreaming opens a logical stream beginning at defaultStartingPos.
func (s *ReplicationSession) StartStreaming(ctx context.Context) (*ReplicationStream, error) {
	return s.startStreaming(ctx, 0)
}

// StartStreamingFrom opens a logical stream beginning at requestedLsn. If
// requestedLsn is <= 0, falls back to defaultStartingPos.
func (s *ReplicationSession) StartStreamingFrom(ctx context.Context, requestedLsn pglogrepl.LSN) (*ReplicationStream, error) {
	return s.startStreaming(ctx, requestedLsn)
}

type negotiationAttempt struct {
	opts             []string
	containsMetadata bool
}

// streamParamOpts renders SessionConfig.StreamParams (§3, §6) into the
// plugin-option syntax START_REPLICATION expects, so caller-supplied pairs
// reach the plugin alongside the decoder's own options. Sorted for
// deterministic attempt construction across runs.
func (s *ReplicationSession) streamParamOpts() []string {
	if len(s.streamParams) == 0 {
		return nil
	}
	opts := make([]string, 0, len(s.streamParams))
	for k, v := range s.streamParams {
		opts = append(opts, fmt.Sprintf("%s '%s'", k, v))
	}
	sort.Strings(opts)
	return opts
}

func (s *ReplicationSession) negotiationAttempts() []negotiationAttempt {
	base := s.streamParamOpts()
	if s.decoder.ForceRds() {
		return []negotiationAttempt{
			{opts: s.decoder.OptionsWithoutMetadata(s.decoder.TryOnceOptions(base)), containsMetadata: false},
			{opts: s.decoder.OptionsWithoutMetadata(base), containsMetadata: false},
		}
	}
	return []negotiationAttempt{
		{opts: s.decoder.OptionsWithMetadata(s.decoder.TryOnceOptions(base)), containsMetadata: true},
		{opts: s.decoder.OptionsWithMetadata(base), containsMetadata: true},
		{opts: s.decoder.OptionsWithoutMetadata(base), containsMetadata: false},
	}
}

func (s *ReplicationSession) startStreaming(ctx context.Context, requestedLsn pglogrepl.LSN) (*ReplicationStream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, newError(KindInternalError, "StartStreaming", errors.New("session is closed"))
	}

	startingLsn := requestedLsn
	if startingLsn <= 0 {
		startingLsn = s.defaultStartingPos
	}

	attempts := s.negotiationAttempts()

	var lastErr error
	for i, attempt := range attempts {
		if i > 0 && s.cfg.TemporarySlot() {
			// The prior failed start may have left the temporary slot in
			// an inconsistent state on the server; re-validate it.
			if _, err := s.manager.Ensure(ctx, s.replConn, s.control, s.cfg); err != nil {
				return nil, err
			}
		}

		err := pglogrepl.StartReplication(ctx, s.replConn, s.cfg.SlotName, startingLsn,
			pglogrepl.StartReplicationOptions{PluginArgs: attempt.opts})
		if err == nil {
			s.decoder.SetContainsMetadata(attempt.containsMetadata)
			stream := newReplicationStream(s.replConn, s.decoder, s.registry, startingLsn, s.cfg.StatusUpdateInterval, s.logger, s.warnings)
			s.stream = stream

			time.Sleep(postOpenSettleDelay)
			if ferr := stream.ForceUpdateStatus(ctx); ferr != nil {
				s.logger.Warn().Err(ferr).Msg("post-open status update failed")
			}
			stream.start(ctx)
			stream.StartKeepAlive(ctx, s.executor)
			return stream, nil
		}

		if walGonePattern.MatchString(err.Error()) {
			return nil, newError(KindWalGone, "StartStreaming", err)
		}
		if optionUnknownPattern.MatchString(err.Error()) {
			if attempt.containsMetadata && i+1 < len(attempts) && !attempts[i+1].containsMetadata {
				s.logger.Warn().Err(err).Msg("decoder metadata rejected by server, downgrading")
			}
			lastErr = err
			continue
		}
		return nil, newError(KindConnectionLost, "StartStreaming", err)
	}

	return nil, newError(KindDecoderOptionRejected, "StartStreaming", fmt.Errorf("exhausted all option negotiation attempts: %w", lastErr))
}

// Close is idempotent: stops the keepalive loop, closes the stream, closes
// the connection, and drops the slot if configured. Slot-drop failures are
// logged, not propagated (soft timeout per §5).
func (s *ReplicationSession) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.stream != nil {
		s.stream.Close()
	}
	if s.replConn != nil {
		_ = s.replConn.Close(ctx)
	}

	if s.cfg.DropSlotOnClose {
		dropCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		s.control.DropReplicationSlot(dropCtx, s.cfg.SlotName)
		cancel()
	}

	if s.control != nil {
		_ = s.control.Close(ctx)
	}
	return nil
}

// DefaultStartingPos returns the LSN computed by SlotManager.Ensure during
// construction.
func (s *ReplicationSession) DefaultStartingPos() pglogrepl.LSN {
	return s.defaultStartingPos
}
