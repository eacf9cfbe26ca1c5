package signals

import (
	"sync"
)

// Signal names what happened, eg. a job type that got a runnable job
type Signal string

// Hub fans wake-up signals out to in-process listeners. Signals are coalesced, a listener that
// has not consumed its previous signal is not woken twice.
type Hub struct {
	mu        sync.Mutex
	listeners map[Signal][]*Listener
	next      map[Signal]int
}

func New() *Hub {
	return &Hub{
		listeners: map[Signal][]*Listener{},
		next:      map[Signal]int{},
	}
}

type Listener struct {
	C <-chan struct{}

	c      chan struct{}
	signal Signal
	hub    *Hub
}

func (l *Listener) wake() bool {
	select {
	case l.c <- struct{}{}:
		return true
	default:
		return false
	}
}

// Close stops delivery to the listener
func (l *Listener) Close() {
	h := l.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	ls := h.listeners[l.signal]
	for i, other := range ls {
		if other == l {
			h.listeners[l.signal] = append(ls[:i:i], ls[i+1:]...)
			break
		}
	}
	if len(h.listeners[l.signal]) == 0 {
		delete(h.listeners, l.signal)
		delete(h.next, l.signal)
	}
}

func (h *Hub) Listen(s Signal) *Listener {
	c := make(chan struct{}, 1)
	l := &Listener{C: c, c: c, signal: s, hub: h}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners[s] = append(h.listeners[s], l)
	return l
}

// Notify wakes one listener, taking turns between them, and reports if anyone was woken
func (h *Hub) Notify(s Signal) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	ls := h.listeners[s]
	for i := 0; i < len(ls); i++ {
		idx := (h.next[s] + i) % len(ls)
		if ls[idx].wake() {
			h.next[s] = idx + 1
			return true
		}
	}
	return false
}

// Broadcast wakes every listener of s and returns how many were idle
func (h *Hub) Broadcast(s Signal) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	var woken int
	for _, l := range h.listeners[s] {
		if l.wake() {
			woken++
		}
	}
	return woken
}
