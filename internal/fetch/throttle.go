package fetch

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// NewBWLimiter creates a rate.Limiter that caps one transfer's throughput
// to bytesPerSec. The burst is capped at 64 KiB so a stream can overshoot
// the per-second budget by at most one read-sized chunk at the window
// boundary. Returns nil (no throttling) when bytesPerSec <= 0.
func NewBWLimiter(bytesPerSec int64) *rate.Limiter {
	if bytesPerSec <= 0 {
		return nil
	}
	burst := 64 << 10
	if bytesPerSec < int64(burst) {
		burst = int(bytesPerSec)
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), burst)
}

// rateLimitedReader wraps an io.Reader and enforces a per-transfer rate limit.
type rateLimitedReader struct {
	r       io.Reader
	limiter *rate.Limiter
	ctx     context.Context
}

// newRateLimitedReader wraps r so that reads are throttled by limiter.
func newRateLimitedReader(
	ctx context.Context,
	r io.Reader,
	limiter *rate.Limiter,
) *rateLimitedReader {
	return &rateLimitedReader{r: r, limiter: limiter, ctx: ctx}
}

func (rl *rateLimitedReader) Read(p []byte) (int, error) {
	// Keep single reads within the limiter's burst so WaitN never fails
	// with an over-burst request.
	if burst := rl.limiter.Burst(); len(p) > burst {
		p = p[:burst]
	}
	n, err := rl.r.Read(p)
	if n > 0 {
		if waitErr := rl.limiter.WaitN(rl.ctx, n); waitErr != nil {
			return n, waitErr
		}
	}
	return n, err
}
