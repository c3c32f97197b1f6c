package idgen

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEntityID_Length(t *testing.T) {
	id, err := NewEntityIDNow()
	require.NoError(t, err)
	assert.Len(t, id, 26)
}

func TestNewEntityID_MonotonicOrdering(t *testing.T) {
	at := time.Now()
	first, err := NewEntityID(at)
	require.NoError(t, err)
	second, err := NewEntityID(at)
	require.NoError(t, err)

	assert.Less(t, first, second, "ids generated at the same instant must still sort in allocation order")
}

func TestSentinelID_StableAndDistinct(t *testing.T) {
	meta := SentinelID(0)
	log := SentinelID(1)

	assert.Len(t, meta, 26)
	assert.NotEqual(t, meta, log)
	assert.Equal(t, meta, SentinelID(0), "sentinel ids must be deterministic")
}
