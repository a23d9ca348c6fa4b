package observe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueNotifiesOnChangeOnly(t *testing.T) {
	v := NewValue(1)
	ch, cancel := v.Subscribe(4)
	defer cancel()

	assert.False(t, v.Store(1))
	assert.True(t, v.Store(2))
	assert.Equal(t, 2, v.Load())

	select {
	case got := <-ch:
		assert.Equal(t, 2, got)
	case <-time.After(time.Second):
		t.Fatal("no notification")
	}
	select {
	case got := <-ch:
		t.Fatalf("unexpected notification %d", got)
	default:
	}
}

func TestValueSlowSubscriberDoesNotBlock(t *testing.T) {
	v := NewValue("a")
	_, cancel := v.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for _, s := range []string{"b", "c", "d", "e"} {
			v.Store(s)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Store blocked on a slow subscriber")
	}
	assert.Equal(t, "e", v.Load())
}

func TestValueCompareAndStore(t *testing.T) {
	v := NewValue(0)
	assert.False(t, v.CompareAndStore(5, 6))
	assert.True(t, v.CompareAndStore(0, 1))
	assert.Equal(t, 1, v.Load())
}

func TestValueCancelClosesChannel(t *testing.T) {
	v := NewValue(0)
	ch, cancel := v.Subscribe(1)
	cancel()
	cancel()
	_, ok := <-ch
	assert.False(t, ok)
	v.Store(3)
}

func TestHubFanOutAndClose(t *testing.T) {
	h := NewHub[int]()
	a, cancelA := h.Subscribe(2)
	b, _ := h.Subscribe(1)
	require.Equal(t, 2, h.Len())

	assert.Zero(t, h.Publish(1))
	assert.Equal(t, 1, h.Publish(2), "b's buffer is full")

	assert.Equal(t, 1, <-a)
	assert.Equal(t, 2, <-a)
	assert.Equal(t, 1, <-b)

	cancelA()
	h.Close()
	_, ok := <-b
	assert.False(t, ok)
	assert.True(t, h.Closed())

	late, _ := h.Subscribe(1)
	_, ok = <-late
	assert.False(t, ok)
	assert.Zero(t, h.Publish(3))
}
