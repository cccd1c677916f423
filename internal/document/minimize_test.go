package document

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMinimizeStripsNoise(t *testing.T) {
	t.Parallel()

	doc := &Document{
		URL: "https://shop.example.com/item",
		HTML: `<html><head><meta charset="utf-8"><link rel="stylesheet" href="a.css"><style>p{}</style></head>
<body><script>track()</script><svg><symbol id="x"></symbol></svg><p style="color:red">Price: $5</p></body></html>`,
		Status: 200,
	}
	min, err := doc.Minimize()
	require.NoError(t, err)

	for _, gone := range []string{"<script", "<style", "<svg", "<symbol", "<link", "<meta", "style="} {
		assert.NotContains(t, min.HTML, gone)
	}
	assert.Contains(t, min.HTML, "<p>Price: $5</p>")
	assert.Equal(t, min.HTML, min.Body)
	assert.Equal(t, 200, min.Status)
	assert.Contains(t, doc.HTML, "<script>", "source document must be left untouched")
}

func TestMinimizeKeepsScriptsOnYouTube(t *testing.T) {
	t.Parallel()

	doc := &Document{
		URL:  "https://www.youtube.com/watch?v=abc",
		HTML: `<html><body><script>var ytInitialData = {};</script><style>a{}</style></body></html>`,
	}
	min, err := doc.Minimize()
	require.NoError(t, err)
	assert.Contains(t, min.HTML, "ytInitialData")
	assert.NotContains(t, min.HTML, "<style")
}
