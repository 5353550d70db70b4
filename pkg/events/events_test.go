package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroker_PublishSubscribe(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	assert.Equal(t, 1, b.SubscriberCount())

	b.Publish(New(EventDriveMounted, "mounted /dev/sdb1", map[string]string{"device": "/dev/sdb1"}))

	select {
	case ev := <-sub:
		assert.Equal(t, EventDriveMounted, ev.Type)
		assert.NotEmpty(t, ev.ID)
		assert.False(t, ev.Timestamp.IsZero())
		assert.Equal(t, "/dev/sdb1", ev.Metadata["device"])
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	assert.Zero(t, b.SubscriberCount())
}

func TestBroker_PublishNeverBlocks(t *testing.T) {
	b := NewBroker()
	// not started: the queue fills and further events are dropped
	for i := 0; i < 150; i++ {
		b.Publish(&Event{Type: EventTaskRun})
	}
	assert.Equal(t, uint64(50), b.Dropped())

	b.Stop()
	b.Stop()
	b.Publish(&Event{Type: EventTaskRun})
}

func TestRecorder(t *testing.T) {
	r := &Recorder{}
	r.Publish(New(EventTierFallback, "", nil))
	r.Publish(New(EventTierFlushed, "", nil))
	require.Len(t, r.Events, 2)
	assert.Equal(t, []EventType{EventTierFallback, EventTierFlushed}, r.Types())

	var p Publisher = Discard{}
	p.Publish(New(EventTaskRun, "", nil))
}
