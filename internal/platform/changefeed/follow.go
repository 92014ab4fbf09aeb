package changefeed

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Follow subscribes to topic and streams load's result: once immediately,
// then again after every change. The channel closes when ctx ends or the
// subscription is closed. Load failures are logged and skipped; the previous
// snapshot stays current on the client.
func Follow[T any](ctx context.Context, bus Bus, topic string, logger zerolog.Logger, load func(ctx context.Context) (T, error)) (<-chan T, error) {
	sub, err := bus.Subscribe(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	out := make(chan T, 1)
	go func() {
		defer close(out)
		defer sub.Close()

		emit := func() bool {
			v, err := load(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return false
				}
				logger.Error().Err(err).Str("topic", topic).Msg("live query failed")
				return true
			}
			select {
			case out <- v:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !emit() {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-sub.C():
				if !ok || !emit() {
					return
				}
			}
		}
	}()
	return out, nil
}
