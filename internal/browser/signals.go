package browser

import "sync"

// Event names the hook points the Browser fires during element resolution.
type Event string

const (
	EventBeforeElementQuery Event = "before_element_query"
	EventElementFound       Event = "element_found"
	EventElementNotFound    Event = "element_not_found"
)

// Signal carries the payload delivered to subscribers.
type Signal struct {
	Event   Event
	Locator string
	Element *Element
}

// Handler receives emitted signals. Handlers run synchronously on the calling
// goroutine and must not perform element queries themselves.
type Handler func(Signal)

type signalHub struct {
	mu       sync.RWMutex
	handlers map[Event][]Handler
}

func newSignalHub() *signalHub {
	return &signalHub{handlers: make(map[Event][]Handler)}
}

func (h *signalHub) subscribe(ev Event, fn Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[ev] = append(h.handlers[ev], fn)
}

func (h *signalHub) emit(s Signal) {
	h.mu.RLock()
	subs := h.handlers[s.Event]
	h.mu.RUnlock()
	for _, fn := range subs {
		fn(s)
	}
}
