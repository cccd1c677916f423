package crawler

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestItemURLResolution(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		item Item
		want string
	}{
		{"underscore url wins", Item{KeyURL: "https://a", "url": "https://b"}, "https://a"},
		{"plain url", Item{"url": "https://b"}, "https://b"},
		{"meta source", Item{KeyMeta: map[string]any{"source": map[string]any{"url": "https://c"}}}, "https://c"},
		{"none", Item{"title": "x"}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, tc.item.URL())
		})
	}
}

func TestItemDerivationLeavesOriginalUntouched(t *testing.T) {
	t.Parallel()

	orig := Item{KeyURL: "https://a", "n": 1}
	withTitle := orig.With("title", "hello")
	loading := withTitle.WithStatus(StatusLoading)
	done := loading.WithStatus(StatusDone)

	assert.NotContains(t, orig, "title")
	assert.Empty(t, orig.Status())
	assert.Equal(t, StatusLoading, loading.Status())
	assert.Equal(t, StatusDone, done.Status())
	assert.Equal(t, "hello", done["title"])
}

func TestItemMergeKeepsMeta(t *testing.T) {
	t.Parallel()

	base := Item{KeyURL: "https://a"}.WithSource("https://list")
	merged := base.Merge(Item{"price": "$5", KeyMeta: map[string]any{"status": "x"}})

	assert.Equal(t, "$5", merged["price"])
	assert.Equal(t, "https://a", merged.URL())
	assert.Empty(t, merged.Status())
	assert.True(t, merged.HasURL())
	assert.False(t, Item{"url": "https://a"}.HasURL())
}
