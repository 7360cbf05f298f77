// Package activity delivers "the user interacted just now" pulses from input
// channels to interested subscribers.
package activity

import (
	"errors"
	"fmt"
	"sync"
)

// Kind names the physical input that produced an activity pulse.
type Kind string

const (
	PointerMove Kind = "pointer-move"
	PointerDown Kind = "pointer-down"
	KeyPress    Kind = "key-press"
	TouchStart  Kind = "touch-start"
	Scroll      Kind = "scroll"
)

// ErrUnknownKind is returned by ParseKind for names outside the fixed set.
var ErrUnknownKind = errors.New("unknown activity kind")

// Kinds returns every activity kind a session monitor listens to.
func Kinds() []Kind {
	return []Kind{PointerMove, PointerDown, KeyPress, TouchStart, Scroll}
}

// ParseKind validates a wire name.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds() {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Handler receives a pulse. The pulse carries nothing beyond its kind.
type Handler func(Kind)

// Source is anything a monitor can subscribe to for activity pulses.
type Source interface {
	// Subscribe registers h for the given kinds. The returned function
	// releases the subscription and is safe to call more than once.
	Subscribe(kinds []Kind, h Handler) (unsubscribe func())
}

type subscription struct {
	kinds   map[Kind]struct{}
	handler Handler
}

// Bus is an in-process Source. Publishing fans a pulse out to every
// subscriber registered for its kind.
type Bus struct {
	mu   sync.RWMutex
	next uint64
	subs map[uint64]*subscription
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]*subscription)}
}

func (b *Bus) Subscribe(kinds []Kind, h Handler) func() {
	sub := &subscription{
		kinds:   make(map[Kind]struct{}, len(kinds)),
		handler: h,
	}
	for _, k := range kinds {
		sub.kinds[k] = struct{}{}
	}

	b.mu.Lock()
	b.next++
	id := b.next
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Publish delivers a pulse of kind k and returns how many handlers got it.
// Handlers run on the caller's goroutine, outside the bus lock.
func (b *Bus) Publish(k Kind) int {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs))
	for _, sub := range b.subs {
		if _, ok := sub.kinds[k]; ok {
			handlers = append(handlers, sub.handler)
		}
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(k)
	}
	return len(handlers)
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
