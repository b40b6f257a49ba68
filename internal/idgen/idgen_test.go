package idgen

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_IsUUID(t *testing.T) {
	_, err := uuid.Parse(New())
	require.NoError(t, err)
}

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("wd_")
	require.True(t, strings.HasPrefix(id, "wd_"), id)
	assert.Len(t, id, len("wd_")+32)

	parsed, err := uuid.Parse(strings.TrimPrefix(id, "wd_"))
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), parsed.Version())
}

func TestWithPrefix_Unique(t *testing.T) {
	seen := make(map[string]struct{}, 1000)
	for range 1000 {
		id := WithPrefix("agr_")
		_, dup := seen[id]
		require.False(t, dup, "duplicate id %s", id)
		seen[id] = struct{}{}
	}
}
