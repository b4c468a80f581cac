package jsonrepair_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenlab/optiq/internal/domain/jsonrepair"
)

func TestStripMarkdownFences(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		in   string
		want string
	}{
		"fenced json": {
			in:   "```json\n{\"a\": 1}\n```",
			want: `{"a": 1}`,
		},
		"fenced without language": {
			in:   "```\n{\"a\": 1}\n```",
			want: `{"a": 1}`,
		},
		"no fence": {
			in:   `{"a": 1}`,
			want: `{"a": 1}`,
		},
		"surrounding whitespace": {
			in:   "  \n```json\n[1, 2]\n```  ",
			want: `[1, 2]`,
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, jsonrepair.StripMarkdownFences(tc.in))
		})
	}
}

func TestFixTrailingCommas(t *testing.T) {
	t.Parallel()

	assert.Equal(t, `{"a": 1}`, jsonrepair.FixTrailingCommas(`{"a": 1,}`))
	assert.Equal(t, `[1, 2]`, jsonrepair.FixTrailingCommas(`[1, 2,]`))
	assert.Equal(t, "{\"a\": 1\n}", jsonrepair.FixTrailingCommas("{\"a\": 1,\n}"))
}

func TestFixMissingCommasBetweenStructures(t *testing.T) {
	t.Parallel()

	assert.Equal(t, `[{"a":1},{"b":2}]`,
		jsonrepair.FixMissingCommasBetweenStructures(`[{"a":1} {"b":2}]`))
	assert.Equal(t, `[[1],[2]]`,
		jsonrepair.FixMissingCommasBetweenStructures(`[[1] [2]]`))
}

func TestRepairAndValidate(t *testing.T) {
	t.Parallel()

	t.Run("already valid passes through", func(t *testing.T) {
		t.Parallel()
		out, ok := jsonrepair.RepairAndValidate(`{"score": 0.9}`)
		require.True(t, ok)
		assert.JSONEq(t, `{"score": 0.9}`, out)
	})

	t.Run("fenced with trailing comma", func(t *testing.T) {
		t.Parallel()
		out, ok := jsonrepair.RepairAndValidate("```json\n{\"score\": 0.9,}\n```")
		require.True(t, ok)
		assert.JSONEq(t, `{"score": 0.9}`, out)
	})

	t.Run("unrepairable stays invalid", func(t *testing.T) {
		t.Parallel()
		_, ok := jsonrepair.RepairAndValidate(`{"score": `)
		assert.False(t, ok)
	})
}
