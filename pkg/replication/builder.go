package replication

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// SessionConfig is the recognized configuration surface for a
// ReplicationSession (§3). It is a plain struct populated field-by-field —
// deliberately not a fluent builder with chained setters (§9).
type SessionConfig struct {
	// SlotName is the server slot to attach to. Required, ASCII, <=63 bytes.
	SlotName string
	// Plugin is the output-plugin identity (pgoutput, wal2json, decoderbufs...).
	Plugin string
	// DropSlotOnClose, if true, drops the slot when the session closes.
	DropSlotOnClose bool
	// StatusUpdateInterval is the period of unsolicited keepalive status
	// updates. Zero disables the keepalive loop.
	StatusUpdateInterval time.Duration
	// StreamParams is a raw "k1=v1;k2=v2" string forwarded to the plugin
	// at stream start. Malformed pairs are logged and skipped, never fatal.
	StreamParams string
	// serverMajorVersion is filled in by Builder.Build after connecting,
	// used to compute TemporarySlot().
	serverMajorVersion int
}

// TemporarySlot reports whether the slot should be created as a server-side
// TEMPORARY slot: true when DropSlotOnClose is set and the server is new
// enough (major version >= 10) to support TEMPORARY logical slots.
func (c SessionConfig) TemporarySlot() bool {
	return c.DropSlotOnClose && c.serverMajorVersion >= 10
}

// ParseStreamParams parses the "k1=v1;k2=v2" syntax described in §6. Pairs
// missing '=' are dropped; the caller-supplied warn callback is invoked once
// per dropped pair (never fatal).
func ParseStreamParams(raw string, warn func(pair string)) map[string]string {
	out := make(map[string]string)
	if raw == "" {
		return out
	}
	for _, pair := range strings.Split(raw, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			if warn != nil {
				warn(pair)
			}
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}

// Builder assembles a ReplicationSession. All fields are plain values;
// Build validates required fields and returns an immutable session handle.
type Builder struct {
	// DSN is the postgres connection URI for the target database. The
	// replication-mode connection is derived from it by adding
	// replication=database; the control connection dials it unmodified.
	DSN string

	SessionConfig

	// Decoder is the pluggable MessageDecoder capability. Required.
	Decoder MessageDecoder
	// TypeRegistry is passed through to the decoder unexamined.
	TypeRegistry TypeRegistry
	// Executor runs the keepalive loop. Defaults to GoroutineExecutor.
	Executor Executor
	// Logger is the injected logging capability. Defaults to a disabled
	// logger if unset.
	Logger zerolog.Logger
}

func (b *Builder) validate() error {
	var errs []error
	if b.DSN == "" {
		errs = append(errs, errors.New("DSN is required"))
	}
	if b.SlotName == "" {
		errs = append(errs, errors.New("slot name is required"))
	}
	if len(b.SlotName) > 63 {
		errs = append(errs, errors.New("slot name must be <=63 bytes"))
	}
	if b.Plugin == "" {
		errs = append(errs, errors.New("plugin is required"))
	}
	if b.Decoder == nil {
		errs = append(errs, errors.New("decoder is required"))
	}
	return errors.Join(errs...)
}

func replicationDSN(dsn string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("parse DSN: %w", err)
	}
	q := u.Query()
	q.Set("replication", "database")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Build validates the configuration, dials the control and replication
// connections, ensures the slot exists, and returns an immutable
// ReplicationSession. Any failure closes whatever partial state was opened
// (§5: construction failures must not leak the replication connection).
func (b *Builder) Build(ctx context.Context) (*ReplicationSession, error) {
	if err := b.validate(); err != nil {
		return nil, newError(KindInternalError, "Build", err)
	}

	logger := b.Logger
	executor := b.Executor
	if executor == nil {
		executor = GoroutineExecutor{}
	}

	control, err := NewControlConnection(ctx, b.DSN, logger)
	if err != nil {
		return nil, newError(KindInternalError, "Build", err)
	}

	major, err := control.ServerMajorVersion(ctx)
	if err != nil {
		_ = control.Close(ctx)
		return nil, newError(KindInternalError, "Build", err)
	}
	cfg := b.SessionConfig
	cfg.serverMajorVersion = major

	replDSN, err := replicationDSN(b.DSN)
	if err != nil {
		_ = control.Close(ctx)
		return nil, newError(KindInternalError, "Build", err)
	}
	replConnConfig, err := pgconn.ParseConfig(replDSN)
	if err != nil {
		_ = control.Close(ctx)
		return nil, newError(KindInternalError, "Build", fmt.Errorf("parse replication DSN: %w", err))
	}
	warnings := &warningsBuffer{}
	replConnConfig.OnNotice = func(_ *pgconn.PgConn, notice *pgconn.Notice) {
		warnings.add(notice.Message)
	}
	replConn, err := pgconn.ConnectConfig(ctx, replConnConfig)
	if err != nil {
		_ = control.Close(ctx)
		return nil, newError(KindConnectionLost, "Build", fmt.Errorf("replication connect: %w", err))
	}

	manager := NewSlotManager(logger)
	startingLsn, err := manager.Ensure(ctx, replConn, control, cfg)
	if err != nil {
		_ = replConn.Close(ctx)
		_ = control.Close(ctx)
		return nil, err
	}

	streamParams := ParseStreamParams(cfg.StreamParams, func(pair string) {
		logger.Warn().Str("pair", pair).Msg("malformed stream param, skipping")
	})

	session := &ReplicationSession{
		cfg:                cfg,
		streamParams:       streamParams,
		replConn:           replConn,
		control:            control,
		manager:            manager,
		decoder:            b.Decoder,
		registry:           b.TypeRegistry,
		executor:           executor,
		logger:             logger.With().Str("component", "replication-session").Logger(),
		defaultStartingPos: startingLsn,
		warnings:           warnings,
	}
	return session, nil
}

// Executor runs background work on a caller-owned scheduler. The stream
// must never create its own goroutine pool (§9): Builder.Executor (or its
// default, GoroutineExecutor) is the only place a goroutine is spawned for
// the keepalive loop.
type Executor interface {
	Go(fn func())
}

// GoroutineExecutor runs fn on an ordinary goroutine. It is the default
// Executor when none is supplied.
type GoroutineExecutor struct{}

func (GoroutineExecutor) Go(fn func()) { go fn() }

// ErrGroupExecutor adapts a *errgroup.Group so a caller that already
// manages its own goroutines via errgroup can fold the keepalive loop into
// the same group and get first-error propagation/cancellation for free.
type ErrGroupExecutor struct {
	Group *errgroup.Group
}

func (e ErrGroupExecutor) Go(fn func()) {
	e.Group.Go(func() error {
		fn()
		return nil
	})
}
