package document

import (
	"fmt"
	"slices"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// DefaultRemoveTags are stripped by Minimize.
var DefaultRemoveTags = []string{"script", "style", "svg", "symbol", "link", "meta"}

// Minimize returns a copy of the document with noisy tags and inline styles
// removed, ready to be handed to an extractor. Pages on youtube.com keep their
// scripts since the interesting data lives there.
func (d *Document) Minimize(removeTags ...string) (*Document, error) {
	if len(removeTags) == 0 {
		removeTags = DefaultRemoveTags
	}
	if strings.Contains(d.URL, "youtube.com") {
		removeTags = slices.DeleteFunc(slices.Clone(removeTags), func(tag string) bool {
			return tag == "script"
		})
	}

	collapsed := &Document{URL: d.URL, HTML: whitespace.ReplaceAllString(d.HTML, " ")}
	dom, err := collapsed.Parse()
	if err != nil {
		return nil, err
	}
	if len(removeTags) > 0 {
		dom.Find(strings.Join(removeTags, ", ")).Remove()
	}
	dom.Find("*").Each(func(_ int, s *goquery.Selection) {
		s.RemoveAttr("style")
	})

	html, err := dom.Html()
	if err != nil {
		return nil, fmt.Errorf("render minimized html: %w", err)
	}
	return &Document{
		URL:         d.URL,
		HTML:        html,
		Body:        html,
		ContentType: d.ContentType,
		Status:      d.Status,
	}, nil
}
