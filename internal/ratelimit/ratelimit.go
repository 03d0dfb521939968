// Package ratelimit provides the token-bucket admission control used to
// cap outgoing bytes/sec for ODATA, RDATA, parity and SPM emission
// (spec.md §4.2/§4.6, component C5).
package ratelimit

import (
	"time"

	"golang.org/x/time/rate"
)

// Controller wraps a token bucket sized in bytes/sec. It mirrors the
// teacher stack's choice of golang.org/x/time/rate for pacing rather than
// a hand-rolled leaky bucket.
type Controller struct {
	limiter *rate.Limiter
}

// New creates a Controller allowing up to bytesPerSec sustained, with a
// burst of burst bytes; a burst <= 0 is replaced by bytesPerSec. A single
// Check larger than the burst is always rejected.
func New(bytesPerSec int, burst int) *Controller {
	if burst <= 0 {
		burst = bytesPerSec
	}
	return &Controller{limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst)}
}

// Check consults the rate controller for n bytes, matching spec.md §6's
// rate.check(bytes, flags) -> 0 | -1 contract: nil means admitted, a
// non-nil error means the caller must not send (non-blocking check only;
// this implementation never blocks, honoring DONTWAIT semantics for the
// packet-atomic precheck of spec.md §4.6).
func (c *Controller) Check(n int) error {
	if c.limiter.AllowN(time.Now(), n) {
		return nil
	}
	return ErrWouldExceedRate
}

// ErrWouldExceedRate is returned by Check when admitting n bytes now
// would exceed the configured rate.
var ErrWouldExceedRate = rateErr("ratelimit: would exceed configured rate")

type rateErr string

func (e rateErr) Error() string { return string(e) }
