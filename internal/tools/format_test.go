package tools

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatUnits(t *testing.T) {
	cases := []struct {
		value    string
		decimals int
		want     string
	}{
		{"1000000", 6, "1.0"},
		{"1234500", 6, "1.2345"},
		{"0", 6, "0.0"},
		{"1", 6, "0.000001"},
		{"-2500000", 6, "-2.5"},
		{"42", 0, "42.0"},
	}
	for _, c := range cases {
		got, err := FormatUnits(c.value, c.decimals)
		require.NoError(t, err)
		assert.Equal(t, c.want, got, "FormatUnits(%s, %d)", c.value, c.decimals)
	}

	_, err := FormatUnits("1.5", 6)
	assert.Error(t, err)
}

func TestPrettyReindentsJSONStrings(t *testing.T) {
	assert.Equal(t, "{\n  \"a\": 1\n}", Pretty(`{"a":1}`))
	assert.Equal(t, "plain", Pretty("plain"))
	assert.Equal(t, "{broken", Pretty("{broken"))
	assert.Equal(t, "{}", Pretty(map[string]any{}))
}

func TestIndentLinesSkipsEmpty(t *testing.T) {
	assert.Equal(t, "  a\n\n  b", IndentLines("a\n\nb", 2))
}

func TestHeadTail(t *testing.T) {
	render := func(i int) string { return string(rune('0' + i)) }
	h, tl := headTail([]int{1, 2, 3, 4, 5}, 2, render)
	assert.Equal(t, "1, 2", h)
	assert.Equal(t, "4, 5", tl)

	h, tl = headTail([]int{}, 2, render)
	assert.Equal(t, "[]", h)
	assert.Equal(t, "[]", tl)
}

func TestNumericKeys(t *testing.T) {
	keys := numericKeys(map[string]int{"100": 1, "20": 2, "3": 3})
	assert.Equal(t, []string{"3", "20", "100"}, keys)
}
