// Package config implements the pre-bind configuration surface of
// spec.md §4.1: setters for ambient/heartbeat SPM timing, transmit window
// sizing, and rate limiting. Every setter validates its argument and the
// transport's bound state before mutating, returning ErrInvalidArgument
// on any violation — mirroring the teacher's flat, doc-comment-per-field
// Config struct (internal config surfaces in this codebase are always
// plain structs with validating methods, never a generic options/builder
// framework).
package config

import (
	"errors"
)

// ErrInvalidArgument is returned by every setter when the transport is
// already bound, or the supplied value is zero or out of range, per
// spec.md §4.1 and §7.
var ErrInvalidArgument = errors.New("config: invalid argument")

// Config holds the pre-bind configuration surface for one PGM source.
// SPM intervals are in microseconds and the window size in sequence
// numbers; the remaining fields state their own units (buffers, seconds,
// bytes/sec).
type Config struct {
	// AmbientSpmInterval is the fallback inter-SPM gap once the heartbeat
	// schedule reaches its terminator, in microseconds.
	AmbientSpmInterval uint64

	// HeartbeatSpm is the inter-SPM gap schedule. Stored with a leading
	// zero slot (state 0 means ambient) and a trailing zero terminator
	// (marks schedule end), per spec.md §3/§4.1.
	HeartbeatSpm []uint64

	// TxwPreallocate is the number of packet buffers to preallocate for
	// the transmit window.
	TxwPreallocate uint32

	// TxwSqns is the transmit window size in sequence numbers; must be
	// in (0, 2^31-1).
	TxwSqns uint32

	// TxwSecs is the transmit window retention in seconds.
	TxwSecs uint32

	// TxwMaxRte is the transmit window's maximum send rate in bytes/sec.
	TxwMaxRte uint32
}

// bound is implemented by the caller's transport type so setters can
// enforce "mutually exclusive with the sender thread" (spec.md §4.1)
// without this package importing the source package (which would create
// an import cycle, since source imports config).
type bound interface {
	IsBound() bool
}

// SetAmbientSpm sets the ambient SPM interval in microseconds. Fails if
// t is already bound or interval is zero.
func (c *Config) SetAmbientSpm(t bound, intervalUs uint64) error {
	if t.IsBound() || intervalUs == 0 {
		return ErrInvalidArgument
	}
	c.AmbientSpmInterval = intervalUs
	return nil
}

// SetHeartbeatSpm sets the heartbeat SPM schedule. Each entry must be
// greater than zero; the stored schedule gets a leading 0 (state 0 =
// ambient) and trailing 0 (terminator) per spec.md §4.1.
func (c *Config) SetHeartbeatSpm(t bound, schedule []uint64) error {
	if t.IsBound() || len(schedule) == 0 {
		return ErrInvalidArgument
	}
	for _, v := range schedule {
		if v == 0 {
			return ErrInvalidArgument
		}
	}
	stored := make([]uint64, 0, len(schedule)+2)
	stored = append(stored, 0)
	stored = append(stored, schedule...)
	stored = append(stored, 0)
	c.HeartbeatSpm = stored
	return nil
}

// SetTxwPreallocate sets the number of buffers to preallocate.
func (c *Config) SetTxwPreallocate(t bound, n uint32) error {
	if t.IsBound() || n == 0 {
		return ErrInvalidArgument
	}
	c.TxwPreallocate = n
	return nil
}

// SetTxwSqns sets the transmit window size in sequence numbers; valid
// range is (0, 2^31-1) per spec.md §4.1.
func (c *Config) SetTxwSqns(t bound, sqns uint32) error {
	if t.IsBound() || sqns == 0 || sqns >= (1<<31)-1 {
		return ErrInvalidArgument
	}
	c.TxwSqns = sqns
	return nil
}

// SetTxwSecs sets the transmit window retention in seconds.
func (c *Config) SetTxwSecs(t bound, secs uint32) error {
	if t.IsBound() || secs == 0 {
		return ErrInvalidArgument
	}
	c.TxwSecs = secs
	return nil
}

// SetTxwMaxRte sets the transmit window's maximum rate in bytes/sec.
func (c *Config) SetTxwMaxRte(t bound, bytesPerSec uint32) error {
	if t.IsBound() || bytesPerSec == 0 {
		return ErrInvalidArgument
	}
	c.TxwMaxRte = bytesPerSec
	return nil
}
