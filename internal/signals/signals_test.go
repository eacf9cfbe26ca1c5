package signals

import (
	"github.com/stretchr/testify/assert"
	"testing"
	"time"
)

func woken(l *Listener) bool {
	select {
	case <-l.C:
		return true
	case <-time.After(100 * time.Millisecond):
		return false
	}
}

func TestBroadcastWakesAllListeners(t *testing.T) {
	h := New()
	a := h.Listen("deliver-message")
	defer a.Close()
	b := h.Listen("deliver-message")
	defer b.Close()
	other := h.Listen("webhook-event")
	defer other.Close()

	assert.Equal(t, 2, h.Broadcast("deliver-message"))
	assert.True(t, woken(a))
	assert.True(t, woken(b))
	assert.False(t, woken(other))
}

func TestSignalsAreCoalesced(t *testing.T) {
	h := New()
	l := h.Listen("x")
	defer l.Close()

	assert.Equal(t, 1, h.Broadcast("x"))
	assert.Equal(t, 0, h.Broadcast("x"))
	assert.True(t, woken(l))
	assert.False(t, woken(l))
}

func TestNotifyTakesTurns(t *testing.T) {
	h := New()
	a := h.Listen("x")
	defer a.Close()
	b := h.Listen("x")
	defer b.Close()

	assert.True(t, h.Notify("x"))
	assert.True(t, woken(a))
	assert.False(t, woken(b))

	assert.True(t, h.Notify("x"))
	assert.True(t, woken(b))

	// one signal each until they are consumed
	assert.True(t, h.Notify("x"))
	assert.True(t, h.Notify("x"))
	assert.False(t, h.Notify("x"))
}

func TestNotifyWithoutListeners(t *testing.T) {
	h := New()
	assert.False(t, h.Notify("x"))
	assert.Equal(t, 0, h.Broadcast("x"))
}

func TestCloseRemovesListener(t *testing.T) {
	h := New()
	a := h.Listen("x")
	b := h.Listen("x")
	a.Close()

	assert.Equal(t, 1, h.Broadcast("x"))
	assert.True(t, woken(b))

	b.Close()
	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Empty(t, h.listeners)
	assert.Empty(t, h.next)
}
