package observer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestSubscribeReceivesPublishedEvents(t *testing.T) {
	h := NewHub(zap.NewNop().Sugar())
	ch := h.Subscribe()

	h.Publish(Event{Kind: EventDecided, Seq: 7, View: 0})

	ev := <-ch
	assert.Equal(t, EventDecided, ev.Kind)
	assert.Equal(t, uint32(7), uint32(ev.Seq))
}

func TestSlowSubscriberLosesEventsWithoutBlocking(t *testing.T) {
	h := NewHub(zap.NewNop().Sugar())
	ch := h.Subscribe()

	// fill the buffer and then some; Publish must never block
	for i := 0; i < 100; i++ {
		h.Publish(Event{Kind: EventDecided, Seq: 0})
	}
	assert.Equal(t, 32, len(ch))
}
