package runtime

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestState_SetGet(t *testing.T) {
	s := NewState()

	_, ok := s.Get("missing")
	assert.False(t, ok)

	s.Set("mode", "research")
	v, ok := s.Get("mode")
	assert.True(t, ok)
	assert.Equal(t, "research", v)
}

func TestState_DirtyTracking(t *testing.T) {
	s := NewState()
	assert.False(t, s.ConsumeDirty())

	s.Set("count", 1)
	assert.True(t, s.ConsumeDirty())
	// Consumed: a second read is clean until the next write.
	assert.False(t, s.ConsumeDirty())

	s.Set("count", 2)
	assert.True(t, s.ConsumeDirty())
}

func TestState_EqualWriteIsNoOp(t *testing.T) {
	s := NewState()
	fired := 0
	s.OnChange(func() { fired++ })

	s.Set("cfg", map[string]any{"a": 1})
	assert.Equal(t, 1, fired)
	assert.True(t, s.ConsumeDirty())

	// Structurally equal value: no dirty flag, no callback.
	s.Set("cfg", map[string]any{"a": 1})
	assert.Equal(t, 1, fired)
	assert.False(t, s.ConsumeDirty())
}

func TestState_SnapshotIsolation(t *testing.T) {
	s := NewState()
	s.Set("tags", []string{"a", "b"})

	snap := s.Snapshot()
	tags, ok := snap["tags"].([]string)
	if assert.True(t, ok) {
		tags[0] = "mutated"
	}

	fresh := s.Snapshot()
	assert.Equal(t, []string{"a", "b"}, fresh["tags"])
}

func TestState_ConcurrentWrites(t *testing.T) {
	s := NewState()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			s.Set("key", n)
		}(i)
	}
	wg.Wait()

	_, ok := s.Get("key")
	assert.True(t, ok)
	assert.True(t, s.ConsumeDirty())
}
