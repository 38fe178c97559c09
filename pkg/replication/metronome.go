package replication

import "time"

// metronome wraps a time.Ticker so the keepalive loop ticks at a fixed
// cadence anchored to its own start time rather than to the duration of
// whatever it did on the previous tick, avoiding cumulative forward drift.
type metronome struct {
	ticker *time.Ticker
}

func newMetronome(d time.Duration) *metronome {
	return &metronome{ticker: time.NewTicker(d)}
}

func (m *metronome) C() <-chan time.Time {
	return m.ticker.C
}

func (m *metronome) Stop() {
	m.ticker.Stop()
}
