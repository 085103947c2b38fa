package pipeline

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"
)

var (
	randMu     sync.Mutex
	randSource = rand.New(rand.NewSource(time.Now().UnixNano()))
)

func jitterFactor() float64 {
	randMu.Lock()
	defer randMu.Unlock()
	return randSource.Float64()
}

// Backoff computes capped exponential delays with symmetric jitter:
// attempt n waits min(Base*2^(n-1), Cap) scaled by a factor in
// [1-Jitter, 1+Jitter].
type Backoff struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter float64

	// rand returns a value in [0,1); tests pin it.
	rand func() float64
}

func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(b.Base) * math.Pow(2, float64(attempt-1))
	if b.Cap > 0 && d > float64(b.Cap) {
		d = float64(b.Cap)
	}
	if b.Jitter > 0 {
		r := b.rand
		if r == nil {
			r = jitterFactor
		}
		d *= 1 + b.Jitter*(2*r()-1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// sleep waits d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
