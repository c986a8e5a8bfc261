package bus_test

import (
	"io"
	"log/slog"
	"testing"

	"github.com/meridian-labs/aegis/pkg/bus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBus() *bus.Bus {
	return bus.New(slog.New(slog.NewTextHandler(io.Discard, nil)), 8)
}

func TestSendDeliversOnlyToRecipients(t *testing.T) {
	b := newBus()
	var gotRouter, gotObserver, gotOther int

	b.Subscribe("cost-validated", "adaptive-router", func(string, map[string]any) { gotRouter++ })
	b.Subscribe("cost-validated", "observability", func(string, map[string]any) { gotObserver++ })
	b.Subscribe("cost-validated", "bystander", func(string, map[string]any) { gotOther++ })

	b.Send("cost-validated", map[string]any{"cost": 2.5}, "adaptive-router", "observability")

	assert.Equal(t, 1, gotRouter)
	assert.Equal(t, 1, gotObserver)
	assert.Equal(t, 0, gotOther, "subscriber outside the recipient list must never see the event")
}

func TestSendToUnsubscribedRecipientIsBestEffort(t *testing.T) {
	b := newBus()
	assert.NotPanics(t, func() {
		b.Send("cost-blocked", nil, "nobody-home")
	})
}

func TestBroadcastReachesEverySubscriber(t *testing.T) {
	b := newBus()
	seen := map[string]bool{}
	for _, id := range []string{"cache", "router", "gate"} {
		id := id
		b.Subscribe("system-ready", id, func(string, map[string]any) { seen[id] = true })
	}
	b.Broadcast("system-ready", nil)
	assert.Len(t, seen, 3)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := newBus()
	calls := 0
	b.Subscribe("action-complete", "observability", func(string, map[string]any) { calls++ })
	b.Send("action-complete", nil, "observability")
	b.Unsubscribe("action-complete", "observability")
	b.Send("action-complete", nil, "observability")
	assert.Equal(t, 1, calls)
}

func TestPanickingSubscriberIsIsolated(t *testing.T) {
	b := newBus()
	survived := false
	b.Subscribe("system-ready", "bad", func(string, map[string]any) { panic("boom") })
	b.Subscribe("system-ready", "good", func(string, map[string]any) { survived = true })

	assert.NotPanics(t, func() { b.Broadcast("system-ready", nil) })
	assert.True(t, survived)
}

func TestTrailIsBounded(t *testing.T) {
	b := newBus()
	for i := 0; i < 20; i++ {
		b.Broadcast("system-ready", map[string]any{"i": i})
	}
	trail := b.Trail()
	require.Len(t, trail, 8)
	assert.Equal(t, 19, trail[len(trail)-1].Data["i"], "trail keeps the newest messages")
}
