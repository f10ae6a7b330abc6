package bus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickrelay/internal/model"
)

func reading(inst string, bid float64) model.Reading {
	return model.Reading{Instrument: inst, Bid: bid, Ask: bid + 0.0002}
}

func TestPublishDropsOldestPerInstrument(t *testing.T) {
	var drops []string
	h := NewHub(WithDropHook(func(name string) { drops = append(drops, name) }))
	sub, err := h.Subscribe("aggregator", 3)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, h.Publish(reading("EURUSD", float64(i))))
	}
	require.NoError(t, h.Publish(reading("USDJPY", 150)))

	assert.Equal(t, 4, sub.Len())
	assert.Equal(t, uint64(2), sub.Dropped())
	assert.Equal(t, []string{"aggregator", "aggregator"}, drops)

	var got []float64
	sub.Drain(func(r model.Reading) { got = append(got, r.Bid) })
	// round-robin: EURUSD, USDJPY, then the rest of EURUSD
	assert.Equal(t, []float64{2, 150, 3, 4}, got)
}

func TestPublishNeverBlocksOnSlowConsumer(t *testing.T) {
	h := NewHub()
	_, err := h.Subscribe("slow", 10)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100000; i++ {
			_ = h.Publish(reading(fmt.Sprintf("I%d", i%4), float64(i)))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher blocked")
	}
	assert.Equal(t, uint64(100000), h.Published())
}

func TestSubscriptionDrainsAfterClose(t *testing.T) {
	h := NewHub()
	sub, err := h.Subscribe("resolver", 8)
	require.NoError(t, err)

	require.NoError(t, h.PublishBatch([]model.Reading{reading("A", 1), reading("B", 2)}))
	h.Close()
	assert.ErrorIs(t, h.Publish(reading("A", 3)), ErrHubClosed)

	var got []string
	sub.Run(t.Context(), func(r model.Reading) { got = append(got, r.Instrument) })
	assert.Equal(t, []string{"A", "B"}, got)

	_, err = h.Subscribe("late", 1)
	assert.ErrorIs(t, err, ErrHubClosed)
}

func TestNextHonorsContext(t *testing.T) {
	h := NewHub()
	sub, err := h.Subscribe("x", 1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	_, ok := sub.Next(ctx)
	assert.False(t, ok)
}

func TestDuplicateAndUnsubscribe(t *testing.T) {
	h := NewHub()
	_, err := h.Subscribe("a", 1)
	require.NoError(t, err)
	_, err = h.Subscribe("a", 1)
	assert.ErrorIs(t, err, ErrDuplicateConsumer)

	h.Unsubscribe("a")
	assert.Empty(t, h.Stats())
	_, err = h.Subscribe("a", 1)
	assert.NoError(t, err)
}

func TestConcurrentFanOut(t *testing.T) {
	h := NewHub()
	subs := make([]*Subscription, 3)
	for i := range subs {
		s, err := h.Subscribe(fmt.Sprintf("c%d", i), 1000)
		require.NoError(t, err)
		subs[i] = s
	}

	counts := make([]int, len(subs))
	var wg sync.WaitGroup
	for i, s := range subs {
		wg.Add(1)
		go func(i int, s *Subscription) {
			defer wg.Done()
			s.Run(context.Background(), func(model.Reading) { counts[i]++ })
		}(i, s)
	}
	for i := 0; i < 500; i++ {
		require.NoError(t, h.Publish(reading("EURUSD", float64(i))))
	}
	h.Close()
	wg.Wait()

	for i, s := range subs {
		assert.Equal(t, uint64(counts[i]), s.Delivered())
		assert.Equal(t, 500, counts[i]+int(s.Dropped()))
	}
	stats := h.Stats()
	require.Len(t, stats, 3)
	assert.Equal(t, "c0", stats[0].Name)
}
