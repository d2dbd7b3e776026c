package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/ngoyal88/relaylog/pkg/record"
)

// Breaker stops calling a sink after repeated failures so a dead Redis or
// Kafka does not add its timeout to every request.
type Breaker struct {
	name string
	next Sink
	cb   *gobreaker.CircuitBreaker
}

// NewBreaker trips after failures consecutive errors and tries again after
// cooldown.
func NewBreaker(name string, next Sink, failures uint32, cooldown time.Duration) *Breaker {
	if failures == 0 {
		failures = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		name: name,
		next: next,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "sink-" + name,
			Timeout: cooldown,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= failures
			},
		}),
	}
}

func (b *Breaker) Emit(ctx context.Context, rec *record.LogRecord) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.Emit(ctx, rec)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return fmt.Errorf("%s breaker: %w", b.name, err)
	}
	return err
}

func (b *Breaker) Close() error {
	return b.next.Close()
}

// State reports the breaker state, e.g. "closed" or "open".
func (b *Breaker) State() string {
	return b.cb.State().String()
}
