package rescache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestETag_Stable(t *testing.T) {
	value := map[string]any{"x": 1, "nested": []string{"a", "b"}}

	first, err := ETag(value)
	require.NoError(t, err)
	second, err := ETag(value)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, first, 18, "quoted 16 hex digits")
}

func TestETag_OrderIndependent(t *testing.T) {
	type report struct {
		B int `json:"b"`
		A int `json:"a"`
	}

	fromMap, err := ETag(map[string]int{"a": 1, "b": 2})
	require.NoError(t, err)
	fromStruct, err := ETag(report{A: 1, B: 2})
	require.NoError(t, err)

	assert.Equal(t, fromMap, fromStruct)
}

func TestETag_DistinctValues(t *testing.T) {
	seen := map[string]int{}
	for i := 0; i < 500; i++ {
		tag, err := ETag(map[string]int{"x": i})
		require.NoError(t, err)
		_, dup := seen[tag]
		assert.False(t, dup, "collision for value %d", i)
		seen[tag] = i
	}
}

func TestETag_MatchesCacheEntry(t *testing.T) {
	cache, _ := newTestCache()
	entry, err := cache.Set("k", map[string]int{"x": 1}, 0)
	require.NoError(t, err)

	tag, err := ETag(map[string]int{"x": 1})
	require.NoError(t, err)
	assert.Equal(t, tag, entry.ETag)
}

func TestETag_Unserializable(t *testing.T) {
	_, err := ETag(func() {})
	require.Error(t, err)
	var serr *SerializationError
	assert.ErrorAs(t, err, &serr)
}

func TestMatches(t *testing.T) {
	tag, err := ETag("payload")
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		want   bool
	}{
		{"exact", tag, true},
		{"weak", "W/" + tag, true},
		{"list", `"deadbeef", ` + tag, true},
		{"wildcard", "*", true},
		{"other", `"0000000000000000"`, false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Matches(tt.header, tag))
		})
	}
}
