// Package lsn provides textual and numeric conversions for PostgreSQL-style
// Log Sequence Numbers, plus small helpers for reporting replication lag.
package lsn

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pglogrepl"
)

// ErrBadFormat is returned by Parse when the input is not a valid LSN in
// "X/Y" hex form.
var ErrBadFormat = errors.New("lsn: bad format")

// Parse converts the textual "X/Y" hex representation (1-8 hex digits per
// half) into an LSN. After checking that shape it delegates the conversion
// to pglogrepl.ParseLSN, and normalizes every failure into ErrBadFormat
// so callers can discriminate this failure mode with errors.Is.
func Parse(text string) (pglogrepl.LSN, error) {
	halves := strings.Split(text, "/")
	if len(halves) != 2 {
		return 0, fmt.Errorf("%w: %q", ErrBadFormat, text)
	}
	for _, h := range halves {
		if len(h) < 1 || len(h) > 8 || strings.Trim(h, "0123456789abcdefABCDEF") != "" {
			return 0, fmt.Errorf("%w: %q", ErrBadFormat, text)
		}
	}
	v, err := pglogrepl.ParseLSN(text)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrBadFormat, text, err)
	}
	return v, nil
}

// Format renders an LSN in uppercase "X/Y" hex form, matching the server's
// own textual representation (no leading zeros on either half except when
// the half is exactly zero).
func Format(v pglogrepl.LSN) string {
	return v.String()
}

// ToUint64 returns the raw 64-bit value underlying the LSN.
func ToUint64(v pglogrepl.LSN) uint64 {
	return uint64(v)
}

// FromUint64 constructs an LSN from a raw 64-bit value. Zero means "unset".
func FromUint64(v uint64) pglogrepl.LSN {
	return pglogrepl.LSN(v)
}

// Lag calculates the byte distance between two LSN positions. Returns 0 if
// latest has not advanced past current (e.g. during a slot's initial
// snapshot window).
func Lag(current, latest pglogrepl.LSN) uint64 {
	if latest <= current {
		return 0
	}
	return uint64(latest - current)
}

// FormatLag returns a human-friendly representation of replication lag.
func FormatLag(bytes uint64, latency time.Duration) string {
	var size string
	switch {
	case bytes >= 1<<30:
		size = fmt.Sprintf("%.2f GB", float64(bytes)/float64(1<<30))
	case bytes >= 1<<20:
		size = fmt.Sprintf("%.2f MB", float64(bytes)/float64(1<<20))
	case bytes >= 1<<10:
		size = fmt.Sprintf("%.2f KB", float64(bytes)/float64(1<<10))
	default:
		size = fmt.Sprintf("%d B", bytes)
	}
	return fmt.Sprintf("%s (latency: %s)", size, latency.Truncate(time.Millisecond))
}
