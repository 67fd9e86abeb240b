package replication

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"echocog/domain/events"
)

func TestQueue_DropsNewestWhenFull(t *testing.T) {
	q := NewQueue(2)
	first := events.NewHeartbeatEvent("a")
	second := events.NewHeartbeatEvent("b")
	third := events.NewHeartbeatEvent("c")

	assert.True(t, q.Enqueue(first))
	assert.True(t, q.Enqueue(second))
	assert.False(t, q.Enqueue(third))
	assert.Equal(t, int64(1), q.Dropped())

	got := q.Take(10)
	assert.Equal(t, []string{first.EventID, second.EventID}, []string{got[0].EventID, got[1].EventID})
	assert.Zero(t, q.Len())
}

func TestQueue_TakeIsFIFO(t *testing.T) {
	q := NewQueue(10)
	var ids []string
	for i := 0; i < 5; i++ {
		e := events.NewHeartbeatEvent("a")
		ids = append(ids, e.EventID)
		q.Enqueue(e)
	}

	head := q.Take(3)
	tail := q.Take(3)
	assert.Len(t, head, 3)
	assert.Len(t, tail, 2)
	assert.Equal(t, ids[0], head[0].EventID)
	assert.Equal(t, ids[3], tail[0].EventID)
	assert.Empty(t, q.Take(3))
}

func TestQueue_Clear(t *testing.T) {
	q := NewQueue(10)
	q.Enqueue(events.NewHeartbeatEvent("a"))
	q.Enqueue(events.NewHeartbeatEvent("a"))

	assert.Equal(t, 2, q.Clear())
	assert.Zero(t, q.Len())
}
