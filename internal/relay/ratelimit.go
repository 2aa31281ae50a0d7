package relay

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// shapeBurst is the token bucket burst, sized to one full stream chunk so
// shaping does not fragment writes.
const shapeBurst = 16 * 1024

// RateLimitedReader wraps an io.Reader with token bucket shaping at
// bytesPerSecond. A zero or negative rate returns r unwrapped.
func RateLimitedReader(ctx context.Context, r io.Reader, bytesPerSecond int64) io.Reader {
	if bytesPerSecond <= 0 {
		return r
	}
	return &shapedReader{
		r:       r,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSecond), shapeBurst),
		ctx:     ctx,
	}
}

type shapedReader struct {
	r       io.Reader
	limiter *rate.Limiter
	ctx     context.Context
}

func (r *shapedReader) Read(p []byte) (int, error) {
	// Cap the read at the burst so WaitN never asks for more tokens than
	// the bucket can hold.
	if len(p) > shapeBurst {
		p = p[:shapeBurst]
	}

	n, err := r.r.Read(p)
	if n <= 0 {
		return n, err
	}
	if waitErr := r.limiter.WaitN(r.ctx, n); waitErr != nil {
		return n, waitErr
	}
	return n, err
}
