package render

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractTable(t *testing.T) {
	md := "Here are the top regions:\n\n| region | sales |\n|---|---:|\n| west | 10 |\n| east | 7 |\n\nWest leads."

	table, remainder, ok := ExtractTable(md)
	require.True(t, ok)
	assert.Equal(t, []string{"region", "sales"}, table.Columns)
	assert.Equal(t, [][]string{{"west", "10"}, {"east", "7"}}, table.Rows)
	assert.Equal(t, "Here are the top regions:\n\n\n\nWest leads.", remainder)
}

func TestExtractTableOnlyTable(t *testing.T) {
	table, remainder, ok := ExtractTable("| a | b |\n| --- | --- |\n| 1 | 2 |")
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, table.Columns)
	assert.Equal(t, [][]string{{"1", "2"}}, table.Rows)
	assert.Empty(t, remainder)
}

func TestExtractTableFirstOnly(t *testing.T) {
	md := "| a |\n|---|\n| 1 |\n\ntext\n\n| b |\n|---|\n| 2 |"
	table, remainder, ok := ExtractTable(md)
	require.True(t, ok)
	assert.Equal(t, []string{"a"}, table.Columns)
	assert.Contains(t, remainder, "| b |")
}

func TestExtractTableRejects(t *testing.T) {
	cases := map[string]string{
		"plain text":    "no tables here",
		"no separator":  "| a | b |\n| 1 | 2 |",
		"no body":       "| a | b |\n|---|---|",
		"ragged row":    "| a | b |\n|---|---|\n| 1 | 2 | 3 |",
		"bad separator": "| a | b |\n| x | y |\n| 1 | 2 |",
	}
	for name, md := range cases {
		t.Run(name, func(t *testing.T) {
			_, remainder, ok := ExtractTable(md)
			assert.False(t, ok)
			assert.Equal(t, md, remainder)
		})
	}
}
