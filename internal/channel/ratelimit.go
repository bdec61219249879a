package channel

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/unclebandit/retention-engine/internal/model"
)

// Limit is a budget of Requests per Interval.
type Limit struct {
	Requests int
	Interval time.Duration
}

// Limiters holds one token bucket per channel, shared by every dispatch worker.
type Limiters map[model.Channel]*rate.Limiter

func NewLimiters(limits map[model.Channel]Limit) Limiters {
	out := make(Limiters, len(limits))
	for ch, l := range limits {
		if l.Requests <= 0 || l.Interval <= 0 {
			continue
		}
		out[ch] = rate.NewLimiter(rate.Every(l.Interval/time.Duration(l.Requests)), l.Requests)
	}
	return out
}

// Wait blocks until ch has a token or ctx ends. Channels without a limiter
// are unlimited.
func (l Limiters) Wait(ctx context.Context, ch model.Channel) error {
	lim, ok := l[ch]
	if !ok {
		return nil
	}
	return lim.Wait(ctx)
}
