package bunnybus

import (
	"strings"
	"sync"
	"time"

	"github.com/ten-ans/bunnybus/events"
	"github.com/ten-ans/bunnybus/internal/rabbitmq"
	"github.com/ten-ans/bunnybus/internal/reliability"
)

// recoveryState coalesces concurrent close notifications so each
// context gets a single recovery pass at a time.
type recoveryState struct {
	mu       sync.Mutex
	inFlight map[string]bool
}

func (r *recoveryState) begin(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inFlight[name] {
		return false
	}
	r.inFlight[name] = true
	return true
}

func (r *recoveryState) end(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inFlight, name)
}

// onTransportEvent reacts to broker-side connection and channel loss by
// re-establishing the affected channels, their topology, and their
// consumers.
func (b *BunnyBus) onTransportEvent(e events.Event) {
	if b.closing.Load() {
		return
	}

	switch e.Kind {
	case events.ConnectionClosed:
		for _, name := range b.channels.OnConnection(e.Name) {
			go b.recoverChannel(name)
		}
	case events.ChannelClosed:
		go b.recoverChannel(e.Name)
	}
}

// recoverChannel runs one recovery cycle for a channel context: reopen
// the channel (re-dialing the connection if needed), re-assert topology,
// re-bind handler patterns, and re-consume under a fresh consumer tag.
func (b *BunnyBus) recoverChannel(name string) {
	if !b.recovering.begin(name) {
		return
	}
	defer b.recovering.end(name)

	cc := b.channels.Get(name)
	if cc == nil || cc.Live() {
		return
	}

	b.bus.Emit(events.Event{Kind: events.Recovering, Name: name})
	b.logWarn("recovering channel", "channel", name)

	initial := b.cfg.ConnectionRetryDelay
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	policy := reliability.NewExponentialBackoff(initial, 5*time.Second, 2.0, b.cfg.ConnectionRetryCount+1)

	var lastErr error
	for attempt := 0; ; attempt++ {
		retry, delay := policy.ShouldRetry(attempt)
		if !retry {
			break
		}
		if b.closing.Load() {
			return
		}
		if delay > 0 {
			time.Sleep(delay)
		}

		if lastErr = b.reestablish(name); lastErr == nil {
			b.bus.Emit(events.Event{Kind: events.Recovered, Name: name})
			b.logger.Info("channel recovered", "channel", name)
			return
		}

		b.logWarn("recovery attempt failed",
			"channel", name,
			"attempt", attempt+1,
			"error", lastErr,
		)
	}

	b.bus.Emit(events.Event{Kind: events.RecoveryFailed, Name: name, Err: lastErr})
	b.logError("channel recovery failed", "channel", name, "error", lastErr)
}

// reestablish rebuilds one channel. Consumer channels go through the
// full subscription setup; publisher and admin channels only need the
// channel itself reopened.
func (b *BunnyBus) reestablish(name string) error {
	queue, isConsumer := strings.CutPrefix(name, queueChannelPrefix)
	if isConsumer {
		if !b.subscriptions.Contains(queue, false) {
			// Subscription is gone; nothing to re-establish.
			return nil
		}
		b.clearConsumers(name, queue)
		return b.startConsumer(b.ctx, queue)
	}

	_, err := b.channels.Create(b.ctx, name, DefaultConnectionName, b.cfg.connectionOptions(), rabbitmq.ChannelOptions{})
	return err
}

// clearConsumers drops the dead consumer registrations for a channel
// before re-consuming under a fresh tag.
func (b *BunnyBus) clearConsumers(chName, queue string) {
	cc := b.channels.Get(chName)
	if cc == nil {
		return
	}
	for tag := range cc.Consumers() {
		b.channels.RemoveConsumer(chName, tag)
	}
	b.subscriptions.Clear(queue)
}
