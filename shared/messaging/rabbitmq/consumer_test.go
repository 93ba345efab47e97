package rabbitmq_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"petstore-platform/shared/logger"
	"petstore-platform/shared/messaging"
	"petstore-platform/shared/messaging/rabbitmq/rabbitmqtest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitConsumer(t *testing.T, bus *testBus, queue string) {
	t.Helper()
	require.Eventually(t, func() bool { return bus.broker.Consumers(queue) == 1 }, waitFor, tick)
}

func stop(t *testing.T, cancel context.CancelFunc, errCh <-chan error) {
	t.Helper()
	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("consumer did not stop")
	}
}

func TestConsumer_LeashScenario(t *testing.T) {
	bus := newTestBus(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	var mu sync.Mutex
	projection := map[int64]messaging.ProductPayload{}
	handler := messaging.HandlerFunc(func(_ context.Context, ev messaging.Event) error {
		var p messaging.ProductPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		mu.Lock()
		projection[p.ProductID] = p
		mu.Unlock()
		return nil
	})

	errCh := bus.run(ctx, cartProducts, handler)
	waitConsumer(t, bus, cartProducts.Queue)

	require.NoError(t, bus.publisher.Publish(context.Background(), "product_events", "product.created", leash()))

	require.Eventually(t, func() bool {
		acks, _ := bus.broker.Dispositions(cartProducts.Queue)
		return acks == 1
	}, waitFor, tick)

	mu.Lock()
	assert.Equal(t, "Leash", projection[42].Name)
	assert.Equal(t, "9.99", projection[42].Price)
	mu.Unlock()

	stop(t, cancel, errCh)

	ready, unacked := bus.broker.QueueDepth(cartProducts.Queue)
	assert.Zero(t, ready)
	assert.Zero(t, unacked)
	_, nacks := bus.broker.Dispositions(cartProducts.Queue)
	assert.Zero(t, nacks)
}

func TestConsumer_HandlerErrorRequeues(t *testing.T) {
	bus := newTestBus(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	var calls atomic.Int32
	handler := messaging.HandlerFunc(func(_ context.Context, ev messaging.Event) error {
		if calls.Add(1) == 1 {
			return errors.New("projection store unavailable")
		}
		return nil
	})

	errCh := bus.run(ctx, cartProducts, handler)
	waitConsumer(t, bus, cartProducts.Queue)
	require.NoError(t, bus.publisher.Publish(context.Background(), "product_events", "product.created", leash()))

	require.Eventually(t, func() bool {
		acks, nacks := bus.broker.Dispositions(cartProducts.Queue)
		return acks == 1 && nacks == 1
	}, waitFor, tick)
	assert.Equal(t, int32(2), calls.Load())

	stop(t, cancel, errCh)
}

func TestConsumer_PanicIsNackedAndLoopContinues(t *testing.T) {
	bus := newTestBus(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	var calls atomic.Int32
	handler := messaging.HandlerFunc(func(_ context.Context, ev messaging.Event) error {
		if calls.Add(1) == 1 {
			panic("nil map write")
		}
		return nil
	})

	errCh := bus.run(ctx, cartProducts, handler)
	waitConsumer(t, bus, cartProducts.Queue)
	require.NoError(t, bus.publisher.Publish(context.Background(), "product_events", "product.created", leash()))
	require.NoError(t, bus.publisher.Publish(context.Background(), "product_events", "product.updated", product(2, "Bowl")))

	require.Eventually(t, func() bool {
		acks, nacks := bus.broker.Dispositions(cartProducts.Queue)
		return acks == 2 && nacks == 1
	}, waitFor, tick)

	stop(t, cancel, errCh)
}

func TestConsumer_MalformedPayloadRedeliveredUntilHandled(t *testing.T) {
	bus := newTestBus(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	var fixed atomic.Bool
	var calls atomic.Int32
	handler := messaging.HandlerFunc(func(_ context.Context, ev messaging.Event) error {
		calls.Add(1)
		var p messaging.ProductPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		if p.Name == "" && !fixed.Load() {
			return errors.New("product without name")
		}
		return nil
	})

	errCh := bus.run(ctx, cartProducts, handler)
	waitConsumer(t, bus, cartProducts.Queue)
	require.NoError(t, bus.broker.Enqueue(cartProducts.Queue, "product.created", []byte(`{"event":"product_created","product_id":42}`)))

	require.Eventually(t, func() bool {
		_, nacks := bus.broker.Dispositions(cartProducts.Queue)
		return nacks >= 1
	}, waitFor, tick)
	fixed.Store(true)

	require.Eventually(t, func() bool {
		acks, _ := bus.broker.Dispositions(cartProducts.Queue)
		return acks == 1
	}, waitFor, tick)
	assert.GreaterOrEqual(t, calls.Load(), int32(2))

	stop(t, cancel, errCh)
}

func TestConsumer_UndecodableBodyIsNeverLost(t *testing.T) {
	bus := newTestBus(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	var calls atomic.Int32
	handler := messaging.HandlerFunc(func(context.Context, messaging.Event) error {
		calls.Add(1)
		return nil
	})

	errCh := bus.run(ctx, cartProducts, handler)
	waitConsumer(t, bus, cartProducts.Queue)
	require.NoError(t, bus.broker.Enqueue(cartProducts.Queue, "product.created", []byte("{not json")))

	require.Eventually(t, func() bool {
		_, nacks := bus.broker.Dispositions(cartProducts.Queue)
		return nacks >= 1
	}, waitFor, tick)

	stop(t, cancel, errCh)

	ready, unacked := bus.broker.QueueDepth(cartProducts.Queue)
	assert.Equal(t, 1, ready)
	assert.Zero(t, unacked)
	assert.Zero(t, calls.Load())
	acks, _ := bus.broker.Dispositions(cartProducts.Queue)
	assert.Zero(t, acks)
}

func TestConsumer_OrderingWithinQueue(t *testing.T) {
	bus := newTestBus(t, nil)
	bindCart(t, bus)

	for _, name := range []string{"A", "B", "C"} {
		require.NoError(t, bus.publisher.Publish(context.Background(), "product_events", "product.updated", product(1, name)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	rec := &recorder{}
	errCh := bus.run(ctx, cartProducts, rec)

	require.Eventually(t, func() bool { return rec.len() == 3 }, waitFor, tick)
	assert.Equal(t, []string{"A", "B", "C"}, rec.names())

	stop(t, cancel, errCh)
}

func TestConsumer_PrefetchCapsUnacked(t *testing.T) {
	bus := newTestBus(t, nil)
	bindCart(t, bus)

	for i := 0; i < 5; i++ {
		require.NoError(t, bus.publisher.Publish(context.Background(), "product_events", "product.updated", product(int64(i), "slow")))
	}

	var maxSeen atomic.Int32
	handler := messaging.HandlerFunc(func(context.Context, messaging.Event) error {
		_, unacked := bus.broker.QueueDepth(cartProducts.Queue)
		if int32(unacked) > maxSeen.Load() {
			maxSeen.Store(int32(unacked))
		}
		time.Sleep(20 * time.Millisecond)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := bus.run(ctx, cartProducts, handler)

	require.Eventually(t, func() bool {
		acks, _ := bus.broker.Dispositions(cartProducts.Queue)
		return acks == 5
	}, waitFor, tick)

	assert.Equal(t, int32(1), maxSeen.Load())
	assert.Equal(t, 1, bus.broker.MaxUnacked(cartProducts.Queue))

	stop(t, cancel, errCh)
}

func TestConsumer_AtLeastOnceAcrossConnectionDrop(t *testing.T) {
	bus := newTestBus(t, nil)
	bindCart(t, bus)

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	var seen sync.Map
	var calls atomic.Int32
	handler := messaging.HandlerFunc(func(_ context.Context, ev messaging.Event) error {
		if calls.Add(1) == 1 {
			started <- struct{}{}
			<-release
		}
		seen.Store(ev.Payload["name"], true)
		return nil
	})

	require.NoError(t, bus.publisher.Publish(context.Background(), "product_events", "product.updated", product(1, "A")))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := bus.run(ctx, cartProducts, handler)

	<-started
	bus.broker.DropConnections()
	close(release)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, messaging.ErrConnection)
	case <-time.After(waitFor):
		t.Fatal("consumer did not report the lost connection")
	}

	// A was in flight when the link dropped; its ack was lost so it is still queued
	ready, _ := bus.broker.QueueDepth(cartProducts.Queue)
	assert.Equal(t, 1, ready)

	require.NoError(t, bus.publisher.Publish(context.Background(), "product_events", "product.updated", product(2, "B")))

	errCh = bus.run(ctx, cartProducts, handler)
	require.Eventually(t, func() bool {
		acks, _ := bus.broker.Dispositions(cartProducts.Queue)
		return acks == 2
	}, waitFor, tick)

	_, sawA := seen.Load("A")
	_, sawB := seen.Load("B")
	assert.True(t, sawA)
	assert.True(t, sawB)
	assert.Equal(t, int32(3), calls.Load())

	stop(t, cancel, errCh)
}

func TestConsumer_ShutdownWaitsForInFlightHandler(t *testing.T) {
	bus := newTestBus(t, nil)
	bindCart(t, bus)
	require.NoError(t, bus.publisher.Publish(context.Background(), "product_events", "product.created", leash()))

	started := make(chan struct{})
	release := make(chan struct{})
	var handlerCtxErr atomic.Value
	handler := messaging.HandlerFunc(func(ctx context.Context, ev messaging.Event) error {
		close(started)
		<-release
		if err := ctx.Err(); err != nil {
			handlerCtxErr.Store(err)
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := bus.run(ctx, cartProducts, handler)

	<-started
	cancel()

	select {
	case <-errCh:
		t.Fatal("consumer returned while a handler was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("consumer did not stop")
	}

	assert.Nil(t, handlerCtxErr.Load())
	acks, nacks := bus.broker.Dispositions(cartProducts.Queue)
	assert.Equal(t, 1, acks)
	assert.Zero(t, nacks)
	assert.False(t, bus.conn.IsConnected())
}

func TestConsumer_UnknownKindIsAcked(t *testing.T) {
	bus := newTestBus(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	registry := messaging.NewRegistry(logger.NewNopLogger())
	errCh := bus.run(ctx, cartProducts, registry)
	waitConsumer(t, bus, cartProducts.Queue)

	require.NoError(t, bus.broker.Enqueue(cartProducts.Queue, "product.created", []byte(`{"event":"product_discontinued","product_id":1}`)))

	require.Eventually(t, func() bool {
		acks, _ := bus.broker.Dispositions(cartProducts.Queue)
		return acks == 1
	}, waitFor, tick)

	stop(t, cancel, errCh)
}

func TestConsumer_SetupConflictIsFatal(t *testing.T) {
	broker := rabbitmqtest.NewBroker()
	raw, err := broker.Dial("", testConfigAMQP())
	require.NoError(t, err)
	ch, err := raw.Channel()
	require.NoError(t, err)
	_, err = ch.QueueDeclare(cartProducts.Queue, false, false, false, false, nil)
	require.NoError(t, err)

	bus := newTestBus(t, broker)
	err = bus.consumer.Run(context.Background(), cartProducts, &recorder{})

	var conflict *messaging.TopologyConflictError
	assert.True(t, errors.As(err, &conflict))
	assert.False(t, bus.conn.IsConnected())
	assert.Equal(t, 1, broker.OpenConnections())
}

func TestConsumer_LastConsumerClosesConnection(t *testing.T) {
	bus := newTestBus(t, nil)
	categories := messaging.Subscription{
		Queue:    messaging.QueueCartEvents,
		Exchange: messaging.ExchangeCategoryEvents,
		Family:   messaging.FamilyCategory,
	}

	ctxA, cancelA := context.WithCancel(context.Background())
	ctxB, cancelB := context.WithCancel(context.Background())
	errA := bus.run(ctxA, cartProducts, &recorder{})
	errB := bus.run(ctxB, categories, &recorder{})
	waitConsumer(t, bus, cartProducts.Queue)
	waitConsumer(t, bus, categories.Queue)

	stop(t, cancelA, errA)
	assert.True(t, bus.conn.IsConnected())
	assert.Equal(t, 1, bus.broker.Consumers(categories.Queue))

	stop(t, cancelB, errB)
	assert.False(t, bus.conn.IsConnected())
	assert.Equal(t, 1, bus.broker.Dials())
}

func TestConsumer_ShutdownDuringSetupIsClean(t *testing.T) {
	bus := newTestBus(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := bus.consumer.Run(ctx, cartProducts, &recorder{})
	assert.NoError(t, err)
	_, declared := bus.broker.HasQueue(cartProducts.Queue)
	assert.False(t, declared)
	assert.Equal(t, 0, bus.broker.OpenConnections())
}
