package book

import (
	"encoding/json"
	"sync"

	"github.com/LeJamon/xrplbook/internal/value"
)

// EventType names one of the notification channels an OrderBook emits on.
type EventType string

const (
	EventModel             EventType = "model"
	EventTrade             EventType = "trade"
	EventTransaction       EventType = "transaction"
	EventOfferAdded        EventType = "offer_added"
	EventOfferRemoved      EventType = "offer_removed"
	EventOfferChanged      EventType = "offer_changed"
	EventOfferFundsChanged EventType = "offer_funds_changed"
)

// Event is one notification. Which fields are set depends on Type: Offers
// for model, Offer/Previous for the offer_* events, OldFunds/NewFunds for
// offer_funds_changed, TakerPays/TakerGets for trade, Transaction for the
// raw pass-through.
type Event struct {
	Type        EventType
	Offers      []*Offer
	Offer       *Offer
	Previous    *Offer
	OldFunds    string
	NewFunds    string
	TakerPays   value.Value
	TakerGets   value.Value
	Transaction json.RawMessage
}

// Handler receives events for one subscription.
type Handler func(Event)

// emitter fans events out to handlers and tracks the aggregate listener
// count. The 0->1 and 1->0 edges invoke onFirst/onLast outside the emitter
// lock; the order book hangs its subscribe/unsubscribe lifecycle on them.
type emitter struct {
	onFirst func()
	onLast  func()

	mu       sync.Mutex
	next     int
	count    int
	handlers map[EventType]map[int]Handler
}

func newEmitter(onFirst, onLast func()) *emitter {
	return &emitter{
		onFirst:  onFirst,
		onLast:   onLast,
		handlers: make(map[EventType]map[int]Handler),
	}
}

func (e *emitter) on(t EventType, h Handler) (remove func()) {
	e.mu.Lock()
	id := e.next
	e.next++
	if e.handlers[t] == nil {
		e.handlers[t] = make(map[int]Handler)
	}
	e.handlers[t][id] = h
	e.count++
	first := e.count == 1
	e.mu.Unlock()

	if first && e.onFirst != nil {
		e.onFirst()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.handlers[t], id)
			e.count--
			last := e.count == 0
			e.mu.Unlock()
			if last && e.onLast != nil {
				e.onLast()
			}
		})
	}
}

func (e *emitter) listeners() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.count
}

func (e *emitter) emit(ev Event) {
	e.mu.Lock()
	fns := make([]Handler, 0, len(e.handlers[ev.Type]))
	for _, h := range e.handlers[ev.Type] {
		fns = append(fns, h)
	}
	e.mu.Unlock()
	for _, h := range fns {
		h(ev)
	}
}
