package discovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSeenSet(t *testing.T) {
	s := NewSeenSet(0)

	assert.True(t, s.Add(1))
	assert.True(t, s.Add(2))
	assert.False(t, s.Add(1), "duplicate responder must be reported once")
	assert.True(t, s.Contains(2))
	assert.Equal(t, 2, s.Len())

	s.Reset()
	assert.Equal(t, 0, s.Len())
	assert.True(t, s.Add(1))
}

func TestSeenSetGrowsPastCapacity(t *testing.T) {
	s := NewSeenSet(2)

	for id := uint64(1); id <= 5; id++ {
		assert.True(t, s.Add(id), "node %d is new", id)
	}
	assert.Equal(t, 5, s.Len())
	for id := uint64(1); id <= 5; id++ {
		assert.False(t, s.Add(id), "node %d was already seen", id)
	}
}
