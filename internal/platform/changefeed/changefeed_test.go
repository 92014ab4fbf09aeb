package changefeed

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, sub Subscription) Change {
	t.Helper()
	select {
	case ch, ok := <-sub.C():
		require.True(t, ok, "subscription closed")
		return ch
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for change")
	}
	return Change{}
}

func TestLocalBus_DeliversToTopicSubscribers(t *testing.T) {
	bus := NewLocalBus()
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, "default/patients/p1/healthRecords")
	require.NoError(t, err)
	defer sub.Close()
	other, err := bus.Subscribe(ctx, "default/patients/p2/healthRecords")
	require.NoError(t, err)
	defer other.Close()

	require.NoError(t, bus.Publish(ctx, Change{
		Type:         Created,
		Topic:        "default/patients/p1/healthRecords",
		ResourceType: "healthRecord",
		ResourceID:   "r1",
	}))

	got := receive(t, sub)
	assert.Equal(t, Created, got.Type)
	assert.Equal(t, "r1", got.ResourceID)
	assert.False(t, got.Timestamp.IsZero())

	select {
	case <-other.C():
		t.Fatal("unrelated topic received a change")
	default:
	}
}

func TestLocalBus_Coalesces(t *testing.T) {
	bus := NewLocalBus()
	ctx := context.Background()
	sub, err := bus.Subscribe(ctx, "t")
	require.NoError(t, err)
	defer sub.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, bus.Publish(ctx, Change{Topic: "t", Type: Updated}))
	}
	receive(t, sub)
	select {
	case <-sub.C():
		t.Fatal("expected pending signals to coalesce into one")
	default:
	}
}

func TestLocalBus_ContextCancelCloses(t *testing.T) {
	bus := NewLocalBus()
	ctx, cancel := context.WithCancel(context.Background())
	sub, err := bus.Subscribe(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, 1, bus.SubscriberCount("t"))

	cancel()
	select {
	case _, ok := <-sub.C():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription not closed after cancel")
	}
	assert.Equal(t, 0, bus.SubscriberCount("t"))
}

func TestLocalBus_CloseIdempotent(t *testing.T) {
	bus := NewLocalBus()
	sub, err := bus.Subscribe(context.Background(), "t")
	require.NoError(t, err)
	sub.Close()
	sub.Close()
	assert.Equal(t, 0, bus.SubscriberCount("t"))
}

func TestLocalBus_Closed(t *testing.T) {
	bus := NewLocalBus()
	require.NoError(t, bus.Close())
	_, err := bus.Subscribe(context.Background(), "t")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, bus.Publish(context.Background(), Change{Topic: "t"}), ErrClosed)
}

func TestTopics(t *testing.T) {
	assert.Equal(t, "north/patients/p1", PatientTopic("north", "p1"))
	assert.Equal(t, "north/patients/p1/healthRecords", RecordsTopic("north", "p1"))
	assert.Equal(t, "medidash:changes:north/patients/p1", channelFor(PatientTopic("north", "p1")))
}

func TestFollow_InitialSnapshotThenUpdates(t *testing.T) {
	bus := NewLocalBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var n int
	updates, err := Follow(ctx, bus, "c/patients/p1/healthRecords", zerolog.Nop(), func(context.Context) (int, error) {
		n++
		return n, nil
	})
	require.NoError(t, err)

	assert.Equal(t, 1, next(t, updates))

	require.NoError(t, bus.Publish(ctx, Change{Type: Created, Topic: "c/patients/p1/healthRecords"}))
	assert.Equal(t, 2, next(t, updates))
}

func TestFollow_SkipsFailedLoads(t *testing.T) {
	bus := NewLocalBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	updates, err := Follow(ctx, bus, "t", zerolog.Nop(), func(context.Context) (string, error) {
		calls++
		if calls == 2 {
			return "", errors.New("store down")
		}
		return fmt.Sprintf("v%d", calls), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "v1", next(t, updates))

	require.NoError(t, bus.Publish(ctx, Change{Topic: "t"}))
	// the failed reload is skipped; the next signal recovers
	require.Eventually(t, func() bool { return bus.Publish(ctx, Change{Topic: "t"}) == nil && len(updates) > 0 },
		time.Second, 10*time.Millisecond)
	assert.Equal(t, "v3", next(t, updates))
}

func TestFollow_ClosesOnCancel(t *testing.T) {
	bus := NewLocalBus()
	ctx, cancel := context.WithCancel(context.Background())

	updates, err := Follow(ctx, bus, "t", zerolog.Nop(), func(context.Context) (int, error) { return 0, nil })
	require.NoError(t, err)
	next(t, updates)

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-updates:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return bus.SubscriberCount("t") == 0 }, time.Second, 5*time.Millisecond)
}

func TestFollow_SubscribeErrorOnClosedBus(t *testing.T) {
	bus := NewLocalBus()
	require.NoError(t, bus.Close())
	_, err := Follow(context.Background(), bus, "t", zerolog.Nop(), func(context.Context) (int, error) { return 0, nil })
	assert.ErrorIs(t, err, ErrClosed)
}

func next[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "stream closed")
		return v
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for snapshot")
	}
	var zero T
	return zero
}
