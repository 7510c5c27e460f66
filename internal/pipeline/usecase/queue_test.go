package usecase

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestQueueIsFIFOAndDeduplicates(t *testing.T) {
	q := newMessageQueue()
	assert.True(t, q.push("a", time.Time{}))
	assert.True(t, q.push("b", time.Time{}))
	assert.False(t, q.push("a", time.Time{}))
	assert.Equal(t, 2, q.len())

	now := time.Now()
	id, ok := q.pop(now)
	assert.True(t, ok)
	assert.Equal(t, "a", id)
	id, _ = q.pop(now)
	assert.Equal(t, "b", id)
	_, ok = q.pop(now)
	assert.False(t, ok)
}

func TestQueueDelayedItemDoesNotBlock(t *testing.T) {
	q := newMessageQueue()
	now := time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC)
	q.push("later", now.Add(time.Minute))
	q.push("ready", time.Time{})

	id, ok := q.pop(now)
	assert.True(t, ok)
	assert.Equal(t, "ready", id)

	_, ok = q.pop(now)
	assert.False(t, ok)
	next, ok := q.nextReady()
	assert.True(t, ok)
	assert.Equal(t, now.Add(time.Minute), next)

	id, ok = q.pop(now.Add(time.Minute))
	assert.True(t, ok)
	assert.Equal(t, "later", id)

	_, ok = q.nextReady()
	assert.False(t, ok)
}
