package fixtures

import (
	"context"
	"time"

	"github.com/tilinna/clock"
)

// NewAdvancingClock attaches a virtual clock to a context which advances
// at full speed (not wall speed), and a cancel function to stop it.  The
// clock also stops if the context is canceled.
func NewAdvancingClock(ctx context.Context) (context.Context, func()) {
	clck := clock.NewMock(time.Unix(1, 0))
	ctx = clock.Context(ctx, clck)
	ch := make(chan struct{})
	go func() {
		for {
			select {
			case <-ch:
				return
			case <-ctx.Done():
				return
			default:
				clck.AddNext()
			}
		}
	}()
	return ctx, func() {
		close(ch)
	}
}

// NewFixedClock attaches a mock clock stopped at now to ctx.
func NewFixedClock(ctx context.Context, now time.Time) (context.Context, *clock.Mock) {
	clck := clock.NewMock(now)
	return clock.Context(ctx, clck), clck
}
