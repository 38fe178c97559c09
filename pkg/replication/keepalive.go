package replication

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// KeepaliveLoop periodically invokes forceStatus on its own ticker,
// independent of the stream's reads, so status updates keep flowing during
// a quiet period with no incoming WAL. It runs on a caller-supplied Executor
// rather than spawning its own goroutine pool (§9): the stream and session
// must never own their own scheduler.
type KeepaliveLoop struct {
	interval    time.Duration
	forceStatus func(context.Context) error
	onError     func(error)
	logger      zerolog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewKeepaliveLoop constructs a KeepaliveLoop. forceStatus is called once
// per tick; onError (if non-nil) is called when it returns an error.
func NewKeepaliveLoop(interval time.Duration, forceStatus func(context.Context) error, onError func(error), logger zerolog.Logger) *KeepaliveLoop {
	return &KeepaliveLoop{
		interval:    interval,
		forceStatus: forceStatus,
		onError:     onError,
		logger:      logger.With().Str("component", "keepalive-loop").Logger(),
	}
}

// Start begins ticking on executor. A no-op if the loop is already running.
func (k *KeepaliveLoop) Start(ctx context.Context, executor Executor) {
	k.mu.Lock()
	if k.running {
		k.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	k.cancel = cancel
	k.done = make(chan struct{})
	k.running = true
	done := k.done
	k.mu.Unlock()

	executor.Go(func() {
		defer close(done)
		k.run(runCtx)
		k.mu.Lock()
		k.running = false
		k.mu.Unlock()
	})
}

// Stop cancels the loop and waits for its goroutine to exit. A no-op if the
// loop was never started or has already been stopped.
func (k *KeepaliveLoop) Stop() {
	k.mu.Lock()
	if !k.running {
		k.mu.Unlock()
		return
	}
	cancel := k.cancel
	done := k.done
	k.running = false
	k.mu.Unlock()

	cancel()
	<-done
}

func (k *KeepaliveLoop) run(ctx context.Context) {
	m := newMetronome(k.interval)
	defer m.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.C():
			if err := k.forceStatus(ctx); err != nil {
				if k.onError != nil {
					k.onError(err)
				} else {
					k.logger.Warn().Err(err).Msg("keepalive status update failed")
				}
				// §4.6: on any exception the loop terminates and surfaces the
				// error via onError; it does not retry or close the stream.
				return
			}
		}
	}
}
