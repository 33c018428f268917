package ids

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIsMonotonic(t *testing.T) {
	prev := New()
	for i := 0; i < 100; i++ {
		next := New()
		require.Len(t, next, 26)
		assert.True(t, prev < next, "%s then %s", prev, next)
		prev = next
	}
}

func TestNewAtEncodesTimestamp(t *testing.T) {
	at := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	id := NewAt(at)
	require.Len(t, id, 26)

	// Same millisecond sorts together regardless of entropy.
	assert.Equal(t, NewAt(at)[:10], id[:10])
}

func TestNewLower(t *testing.T) {
	id := NewLower()
	assert.Equal(t, strings.ToLower(id), id)
	assert.Len(t, id, 26)
}
