// Package retry implements the shared backoff policy for backplane calls.
package retry

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"net"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Policy describes an exponential backoff schedule
type Policy struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	Jitter         float64
	MaxAttempts    int
}

// Backplane is the policy applied to every backplane call: transient errors
// get up to five attempts in all, with 100ms..5s exponential backoff and ±10%
// jitter; structural errors surface immediately.
var Backplane = Policy{
	InitialBackoff: 100 * time.Millisecond,
	MaxBackoff:     5 * time.Second,
	Multiplier:     2,
	Jitter:         0.1,
	MaxAttempts:    5,
}

// Do runs f, retrying per the policy while Transient(err) holds. The last
// error is returned once attempts are exhausted or a structural error occurs.
func (p Policy) Do(ctx context.Context, f func() error) error {
	backoff := p.InitialBackoff
	var err error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(p.jittered(backoff)):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff = time.Duration(float64(backoff) * p.Multiplier)
			if backoff > p.MaxBackoff {
				backoff = p.MaxBackoff
			}
		}
		if err = f(); err == nil || !Transient(err) {
			return err
		}
	}
	return err
}

func (p Policy) jittered(d time.Duration) time.Duration {
	if p.Jitter <= 0 {
		return d
	}
	delta := (rand.Float64()*2 - 1) * p.Jitter * float64(d)
	return time.Duration(float64(d) + delta)
}

// Transient reports whether an error is worth retrying: network failures,
// EOF, and UNAVAILABLE, RESOURCE_EXHAUSTED or ABORTED statuses. Context
// cancellation is never transient.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.Unavailable, codes.ResourceExhausted, codes.Aborted:
			return true
		}
	}
	return false
}
