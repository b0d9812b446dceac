// Package eventbus implements an in-process, typed publish/subscribe bus
// plugins use to emit and observe events named plg:<slug>:<event>
// (plugin-scoped) and db:<event> (database-scoped).
package eventbus

import (
	"strings"
	"sync"
)

// Event is the payload delivered to subscribers.
type Event struct {
	Name string
	Data interface{}
}

// Handler receives one Event. It runs on the publisher's goroutine unless
// the bus was constructed with New(true).
type Handler func(Event)

// Subscription can be cancelled with Unsubscribe.
type Subscription struct {
	bus    *Bus
	name   string
	id     uint64
	prefix bool
}

// Unsubscribe removes this subscription from the bus. Safe to call more
// than once.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	reg := s.bus.handlers
	if s.prefix {
		reg = s.bus.prefixHandlers
	}
	handlers := reg[s.name]
	for i, h := range handlers {
		if h.id == s.id {
			reg[s.name] = append(handlers[:i], handlers[i+1:]...)
			break
		}
	}
}

type registeredHandler struct {
	id uint64
	fn Handler
}

// Bus is the in-process event bus shared by the whole runtime. The event
// bus is shared state: subscribers run on the caller's execution context
// by default; a handler that wants asynchrony spawns its own goroutine.
type Bus struct {
	mu             sync.RWMutex
	handlers       map[string][]registeredHandler
	prefixHandlers map[string][]registeredHandler
	nextID         uint64
	async          bool
}

// New returns an empty Bus. When async is true, Publish dispatches each
// handler on its own goroutine instead of calling it inline.
func New(async bool) *Bus {
	return &Bus{
		handlers:       make(map[string][]registeredHandler),
		prefixHandlers: make(map[string][]registeredHandler),
		async:          async,
	}
}

// Subscribe registers fn against the exact event name. Wildcard matching
// (e.g. subscribing to all db:* events) is the caller's responsibility via
// SubscribePrefix.
func (b *Bus) Subscribe(name string, fn Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.handlers[name] = append(b.handlers[name], registeredHandler{id: id, fn: fn})
	return &Subscription{bus: b, name: name, id: id}
}

// SubscribePrefix registers fn for every event whose name starts with
// prefix, e.g. "db:" for all database-scoped events.
func (b *Bus) SubscribePrefix(prefix string, fn Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.prefixHandlers[prefix] = append(b.prefixHandlers[prefix], registeredHandler{id: id, fn: fn})
	return &Subscription{bus: b, name: prefix, id: id, prefix: true}
}

// Publish delivers ev to every handler subscribed to ev.Name, in
// registration order, and then to every prefix subscription ev.Name
// matches. Handlers of one prefix run in registration order; the order
// between different matching prefixes is not defined.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	handlers := append([]registeredHandler(nil), b.handlers[ev.Name]...)
	for prefix, hs := range b.prefixHandlers {
		if strings.HasPrefix(ev.Name, prefix) {
			handlers = append(handlers, hs...)
		}
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		if b.async {
			go h.fn(ev)
		} else {
			h.fn(ev)
		}
	}
}

// PluginEvent derives the plg:<slug>:<event> event name.
func PluginEvent(slug, event string) string {
	return "plg:" + slug + ":" + event
}

// DatabaseEvent derives the db:<event> event name.
func DatabaseEvent(event string) string {
	return "db:" + event
}
