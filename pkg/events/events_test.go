package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeFiltersByOperationID(t *testing.T) {
	bus := NewBus()
	mine, cancelMine := bus.Subscribe("job-1")
	defer cancelMine()
	all, cancelAll := bus.SubscribeAll()
	defer cancelAll()

	bus.Publish(Event{OperationID: "job-2", Operation: OpBackup, Stage: "dumping"})
	bus.Publish(Event{OperationID: "job-1", Operation: OpBackup, Stage: "compressing"})

	e := <-mine
	assert.Equal(t, "compressing", e.Stage)
	assert.False(t, e.Time.IsZero())
	assert.Len(t, mine, 0)

	assert.Len(t, all, 2)
}

func TestPublishNeverBlocks(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe("x")
	defer cancel()

	for i := 0; i < subscriberBuffer*2; i++ {
		bus.Publish(Event{OperationID: "x"})
	}
	assert.Len(t, ch, subscriberBuffer)
}

func TestCancelClosesChannel(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe("x")
	cancel()
	cancel()

	_, open := <-ch
	require.False(t, open)

	bus.Publish(Event{OperationID: "x"})
}
