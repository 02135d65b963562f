package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSortSpec(t *testing.T) {
	spec, err := ParseSortSpec(map[string]any{"rank": -1})
	require.NoError(t, err)
	require.Len(t, spec, 1)
	assert.Equal(t, "rank", spec[0].Name)
	assert.True(t, spec[0].Descending)

	spec, err = ParseSortSpec([]any{
		[]any{"rank", 1},
		[]any{"title", -1},
	})
	require.NoError(t, err)
	require.Len(t, spec, 2)
	assert.False(t, spec[0].Descending)
	assert.True(t, spec[1].Descending)

	_, err = ParseSortSpec(map[string]any{"a": 1, "b": 1})
	require.Error(t, err)

	_, err = ParseSortSpec(map[string]any{"rank": 2})
	require.Error(t, err)
}

func TestSorterOrdersWithTiebreak(t *testing.T) {
	docs := []Document{
		{"_id": "c", "rank": 2},
		{"_id": "a", "rank": 1},
		{"_id": "b", "rank": 1},
	}
	NewSorter(SortSpec{{Name: "rank"}}).Sort(docs)
	assert.Equal(t, "a", docs[0]["_id"])
	assert.Equal(t, "b", docs[1]["_id"])
	assert.Equal(t, "c", docs[2]["_id"])
}

func TestSorterDescending(t *testing.T) {
	docs := []Document{
		{"_id": "a", "rank": 1},
		{"_id": "b", "rank": 3},
		{"_id": "c", "rank": 2},
	}
	NewSorter(SortSpec{{Name: "rank", Descending: true}}).Sort(docs)
	assert.Equal(t, "b", docs[0]["_id"])
	assert.Equal(t, "c", docs[1]["_id"])
	assert.Equal(t, "a", docs[2]["_id"])
}

func TestCompareValuesTypeClasses(t *testing.T) {
	// null < number < string < doc < array < binary < bool < date
	ordered := []any{
		nil,
		float64(5),
		"abc",
		map[string]any{"k": "v"},
		[]any{1},
		[]byte{1},
		true,
		time.Now(),
	}
	for i := 0; i < len(ordered)-1; i++ {
		assert.Negative(t, compareValues(ordered[i], ordered[i+1]),
			"expected class %d to sort before class %d", i, i+1)
	}
}

func TestCompareValuesNumericAcrossWidths(t *testing.T) {
	assert.Zero(t, compareValues(int(2), float64(2)))
	assert.Negative(t, compareValues(int64(1), float64(1.5)))
	assert.Positive(t, compareValues(float64(3), int(2)))
}

func TestValueEqualDeep(t *testing.T) {
	a := map[string]any{"x": []any{1, map[string]any{"y": "z"}}}
	b := map[string]any{"x": []any{float64(1), map[string]any{"y": "z"}}}
	assert.True(t, ValueEqual(a, b))
	assert.False(t, ValueEqual(a, map[string]any{"x": []any{2}}))
}
