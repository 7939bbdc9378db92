package stream

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain[T any](s *Subscription[T]) []T {
	var out []T
	for v := range s.C() {
		out = append(out, v)
	}
	return out
}

func TestIndependentSubscribers(t *testing.T) {
	h := NewHub[string](8)
	a := h.Subscribe(8)
	b := h.Subscribe(8)

	h.Publish("one")
	h.Publish("two")
	a.Unsubscribe()
	h.Publish("three")
	h.Close()

	assert.Equal(t, []string{"one", "two"}, drain(a))
	assert.Equal(t, []string{"one", "two", "three"}, drain(b))
	a.Unsubscribe()
}

func TestLateSubscriberGetsBacklog(t *testing.T) {
	h := NewHub[int](3)
	for i := 1; i <= 5; i++ {
		h.Publish(i)
	}
	assert.Equal(t, []int{3, 4, 5}, h.Recent())

	s := h.Subscribe(0)
	h.Publish(6)
	h.Close()
	assert.Equal(t, []int{3, 4, 5, 6}, drain(s))

	after := h.Subscribe(1)
	assert.Equal(t, []int{4, 5, 6}, drain(after), "a closed hub replays and closes")
}

func TestReplayLeavesRoomForLiveValues(t *testing.T) {
	h := NewHub[int](4)
	for i := 1; i <= 4; i++ {
		h.Publish(i)
	}
	s := h.Subscribe(2)
	h.Publish(5)
	h.Publish(6)
	h.Publish(7)
	h.Close()
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6}, drain(s))
	assert.EqualValues(t, 1, h.Dropped(), "only the value beyond buf is dropped")
}

func TestPublishNeverBlocks(t *testing.T) {
	h := NewHub[int](1)
	s := h.Subscribe(1)
	for i := 0; i < 10; i++ {
		h.Publish(i)
	}
	assert.EqualValues(t, 9, h.Dropped())
	h.Close()
	assert.Equal(t, []int{0}, drain(s))
	h.Close()
}

func TestConcurrentPublish(t *testing.T) {
	h := NewHub[int](1000)
	s := h.Subscribe(1000)
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				h.Publish(i)
			}
		}()
	}
	wg.Wait()
	h.Close()
	require.Len(t, drain(s), 400)
}
