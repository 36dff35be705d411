package coordinator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubscriptionsAddRemove(t *testing.T) {
	s := NewSubscriptions()
	assert.True(t, s.Add("a", "t/#"))
	assert.False(t, s.Add("b", "t/#"))
	assert.False(t, s.Add("a", "t/#"))

	assert.False(t, s.Remove("a", "t/#"))
	assert.False(t, s.Remove("a", "t/#"), "removing twice is a no-op")
	assert.True(t, s.Remove("b", "t/#"))
	assert.False(t, s.Remove("b", "missing"))
	assert.Empty(t, s.Snapshot())
}

func TestSubscriptionsMatch(t *testing.T) {
	s := NewSubscriptions()
	s.Add("c", "t/1")
	s.Add("a", "t/+")
	s.Add("a", "t/#")
	s.Add("b", "u/#")

	assert.Equal(t, []string{"a", "c"}, s.Match("t/1"))
	assert.Equal(t, []string{"a"}, s.Match("t/2"))
	assert.Empty(t, s.Match("v"))
	assert.Equal(t, []string{"t/#", "t/+"}, s.Filters("a"))
}

func TestSubscriptionsRemoveClient(t *testing.T) {
	s := NewSubscriptions()
	s.Add("a", "x")
	s.Add("a", "y")
	s.Add("b", "y")

	assert.Equal(t, []string{"x"}, s.RemoveClient("a"))
	assert.Equal(t, map[string][]string{"y": {"b"}}, s.Snapshot())
	assert.Empty(t, s.RemoveClient("nobody"))
}
