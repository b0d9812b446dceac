package eventbus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPublishDeliversInRegistrationOrder(t *testing.T) {
	bus := New(false)
	var order []int

	bus.Subscribe("plg:cache:clear-error", func(ev Event) { order = append(order, 1) })
	bus.Subscribe("plg:cache:clear-error", func(ev Event) { order = append(order, 2) })

	bus.Publish(Event{Name: "plg:cache:clear-error"})
	assert.Equal(t, []int{1, 2}, order)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := New(false)
	calls := 0
	sub := bus.Subscribe("db:resource-created", func(ev Event) { calls++ })

	bus.Publish(Event{Name: "db:resource-created"})
	sub.Unsubscribe()
	bus.Publish(Event{Name: "db:resource-created"})

	assert.Equal(t, 1, calls)
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	bus := New(false)
	sub := bus.Subscribe("db:x", func(ev Event) {})
	sub.Unsubscribe()
	assert.NotPanics(t, sub.Unsubscribe)
}

func TestSubscribePrefixMatchesAllScopedEvents(t *testing.T) {
	bus := New(false)
	var names []string
	sub := bus.SubscribePrefix("db:", func(ev Event) { names = append(names, ev.Name) })

	bus.Publish(Event{Name: "db:resource-created"})
	bus.Publish(Event{Name: "db:resource-deleted"})
	bus.Publish(Event{Name: "plg:cache:clear-error"})

	assert.Equal(t, []string{"db:resource-created", "db:resource-deleted"}, names)

	sub.Unsubscribe()
	bus.Publish(Event{Name: "db:resource-created"})
	assert.Len(t, names, 2)
}

func TestAsyncBusDispatchesOnGoroutines(t *testing.T) {
	bus := New(true)
	var wg sync.WaitGroup
	wg.Add(1)

	var gotName string
	bus.Subscribe("plg:ttl:cleanup-error", func(ev Event) {
		gotName = ev.Name
		wg.Done()
	})

	bus.Publish(Event{Name: "plg:ttl:cleanup-error"})

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("async handler never ran")
	}
	assert.Equal(t, "plg:ttl:cleanup-error", gotName)
}

func TestPluginAndDatabaseEventNaming(t *testing.T) {
	assert.Equal(t, "plg:cache-plugin:cleared", PluginEvent("cache-plugin", "cleared"))
	assert.Equal(t, "db:resource-created", DatabaseEvent("resource-created"))
}
