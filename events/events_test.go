package events

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBus(t *testing.T) {
	t.Run("Emit delivers to listeners of the matching kind", func(t *testing.T) {
		bus := NewBus()
		var got []Event
		bus.Subscribe(func(e Event) { got = append(got, e) }, QueueSubscribed)

		bus.Emit(Event{Kind: QueueSubscribed, Name: "orders"})
		bus.Emit(Event{Kind: QueueUnsubscribed, Name: "orders"})

		assert.Len(t, got, 1)
		assert.Equal(t, QueueSubscribed, got[0].Kind)
		assert.Equal(t, "orders", got[0].Name)
	})

	t.Run("Emit stamps a timestamp when the caller left it zero", func(t *testing.T) {
		bus := NewBus()
		var got Event
		bus.Subscribe(func(e Event) { got = e }, Recovered)

		bus.Emit(Event{Kind: Recovered})

		assert.False(t, got.Timestamp.IsZero())
	})

	t.Run("Subscribe registers one listener for several kinds", func(t *testing.T) {
		bus := NewBus()
		count := 0
		bus.Subscribe(func(Event) { count++ }, ConnectionClosed, ChannelClosed)

		bus.Emit(Event{Kind: ConnectionClosed})
		bus.Emit(Event{Kind: ChannelClosed})

		assert.Equal(t, 2, count)
	})

	t.Run("remove stops delivery", func(t *testing.T) {
		bus := NewBus()
		count := 0
		remove := bus.Subscribe(func(Event) { count++ }, MessagePublished)

		bus.Emit(Event{Kind: MessagePublished})
		remove()
		bus.Emit(Event{Kind: MessagePublished})

		assert.Equal(t, 1, count)
	})

	t.Run("SubscribeAll sees every kind", func(t *testing.T) {
		bus := NewBus()
		var kinds []Kind
		bus.SubscribeAll(func(e Event) { kinds = append(kinds, e.Kind) })

		bus.Emit(Event{Kind: Recovering})
		bus.Emit(Event{Kind: SubscriptionBlocked})

		assert.Equal(t, []Kind{Recovering, SubscriptionBlocked}, kinds)
	})

	t.Run("concurrent emit and subscribe do not race", func(t *testing.T) {
		bus := NewBus()
		var wg sync.WaitGroup

		for i := 0; i < 10; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				remove := bus.Subscribe(func(Event) {}, LogInfo)
				remove()
			}()
			go func() {
				defer wg.Done()
				bus.Emit(Event{Kind: LogInfo})
			}()
		}

		wg.Wait()
	})
}
