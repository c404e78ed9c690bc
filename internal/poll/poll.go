// Package poll runs periodic refresh work on an injectable clock.
package poll

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
)

// Loop calls fn once immediately and then on every tick of interval until
// ctx is canceled. The ticker is armed before the first call.
func Loop(ctx context.Context, clk clock.Clock, interval time.Duration, fn func(context.Context)) {
	if clk == nil {
		clk = clock.New()
	}
	ticker := clk.Ticker(interval)
	defer ticker.Stop()

	fn(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}
