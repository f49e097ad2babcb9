package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/ackpine/internal/domain/events"
	"github.com/ahrav/ackpine/internal/domain/session"
)

func statusFor(id uuid.UUID, status int) session.StatusBroadcast {
	return session.StatusBroadcast{
		Target: session.StatusTarget{
			Action:      session.ActionUninstallStatus,
			SessionID:   id,
			SessionType: session.TypeUninstall,
		},
		Status: status,
	}
}

func TestPublishAndSubscribeStatus(t *testing.T) {
	t.Parallel()

	broker := NewBroker()
	ctx := context.Background()
	var wg sync.WaitGroup
	wg.Add(1)

	expected := statusFor(uuid.New(), session.StatusFailureAborted)
	err := broker.SubscribeStatus(ctx, func(got session.StatusBroadcast) error {
		defer wg.Done()
		assert.Equal(t, expected, got)
		return nil
	})
	assert.NoError(t, err)

	err = broker.PublishStatus(ctx, expected)
	assert.NoError(t, err)

	wg.Wait()
}

func TestMultipleSubscribers(t *testing.T) {
	t.Parallel()

	broker := NewBroker()
	ctx := context.Background()
	var wg sync.WaitGroup
	subscriberCount := 3
	wg.Add(subscriberCount)

	status := statusFor(uuid.New(), session.StatusSuccess)
	for range subscriberCount {
		err := broker.SubscribeStatus(ctx, func(got session.StatusBroadcast) error {
			defer wg.Done()
			assert.Equal(t, status, got)
			return nil
		})
		assert.NoError(t, err)
	}

	err := broker.PublishStatus(ctx, status)
	assert.NoError(t, err)

	wg.Wait()
}

func TestHandlerError(t *testing.T) {
	t.Parallel()

	broker := NewBroker()
	ctx := context.Background()
	expectedErr := errors.New("handler error")

	var second atomic.Int32
	err := broker.SubscribeStatus(ctx, func(session.StatusBroadcast) error { return expectedErr })
	assert.NoError(t, err)
	err = broker.SubscribeStatus(ctx, func(session.StatusBroadcast) error {
		second.Add(1)
		return nil
	})
	assert.NoError(t, err)

	err = broker.PublishStatus(ctx, statusFor(uuid.New(), session.StatusFailure))
	assert.ErrorIs(t, err, expectedErr)
	assert.Zero(t, second.Load())
}

func TestConcurrentPublishSubscribe(t *testing.T) {
	t.Parallel()

	broker := NewBroker()
	ctx := context.Background()
	var wg sync.WaitGroup
	publishCount := 100
	subscriberCount := 5
	wg.Add(publishCount * subscriberCount)

	for range subscriberCount {
		err := broker.SubscribeStatus(ctx, func(session.StatusBroadcast) error {
			defer wg.Done()
			return nil
		})
		assert.NoError(t, err)
	}

	for range publishCount {
		go func() {
			err := broker.PublishStatus(ctx, statusFor(uuid.New(), session.StatusSuccess))
			assert.NoError(t, err)
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for handlers")
	}
}

func TestUnsubscribeOnContextDone(t *testing.T) {
	t.Parallel()

	broker := NewBroker()
	subCtx, cancel := context.WithCancel(context.Background())

	var calls atomic.Int32
	require.NoError(t, broker.SubscribeStatus(subCtx, func(session.StatusBroadcast) error {
		calls.Add(1)
		return nil
	}))
	var other atomic.Int32
	require.NoError(t, broker.SubscribeStatus(context.Background(), func(session.StatusBroadcast) error {
		other.Add(1)
		return nil
	}))

	cancel()
	require.Eventually(t, func() bool {
		broker.mu.RLock()
		defer broker.mu.RUnlock()
		return len(broker.statusHandlers) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, broker.PublishStatus(context.Background(), statusFor(uuid.New(), session.StatusSuccess)))
	assert.Zero(t, calls.Load())
	assert.Equal(t, int32(1), other.Load())
}

func TestContextCancellation(t *testing.T) {
	t.Parallel()

	broker := NewBroker()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := broker.PublishStatus(ctx, statusFor(uuid.New(), session.StatusSuccess))
	assert.ErrorIs(t, err, context.Canceled)

	err = broker.SubscribeStatus(ctx, func(session.StatusBroadcast) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDomainEventsFilteredByType(t *testing.T) {
	t.Parallel()

	broker := NewBroker()
	ctx := context.Background()

	var (
		mu  sync.Mutex
		got []events.EventType
	)
	err := broker.Subscribe(ctx, []events.EventType{session.EventTypeSessionStateChanged}, func(_ context.Context, evt events.EventEnvelope) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, evt.Type)
		return nil
	})
	require.NoError(t, err)

	pub := events.NewBusPublisher(broker)
	evt := session.NewStateChangedEvent(uuid.New(), session.TypeInstall, session.Pending, session.Active)
	require.NoError(t, pub.PublishDomainEvent(ctx, evt, events.WithKey(evt.Key())))
	require.NoError(t, broker.Publish(ctx, events.EventEnvelope{Type: "unrelated"}))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []events.EventType{session.EventTypeSessionStateChanged}, got)
}

func TestClosedBroker(t *testing.T) {
	t.Parallel()

	broker := NewBroker()
	require.NoError(t, broker.Close())

	err := broker.PublishStatus(context.Background(), statusFor(uuid.New(), session.StatusSuccess))
	assert.ErrorIs(t, err, ErrBrokerClosed)
	err = broker.Subscribe(context.Background(), nil, func(context.Context, events.EventEnvelope) error { return nil })
	assert.ErrorIs(t, err, ErrBrokerClosed)
}
