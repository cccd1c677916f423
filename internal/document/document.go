// Package document holds fetched page content and the helpers that read it.
package document

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ErrEmpty is returned by Load when the payload carries no page content.
var ErrEmpty = errors.New("document payload has no content")

var whitespace = regexp.MustCompile(`[\s]+`)

// Document is a fetched page. HTML and Body normally hold the same markup;
// a payload that only sets one of them is normalized by Load.
type Document struct {
	URL         string `json:"url"`
	HTML        string `json:"html,omitempty"`
	Body        string `json:"body,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	Status      int    `json:"status,omitempty"`
}

// Load decodes a raw reply payload into a Document.
func Load(raw []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	switch {
	case doc.HTML == "" && doc.Body == "":
		return nil, ErrEmpty
	case doc.HTML == "":
		doc.HTML = doc.Body
	case doc.Body == "":
		doc.Body = doc.HTML
	}
	return &doc, nil
}

// Dump encodes the document back to its wire form.
func (d *Document) Dump() ([]byte, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return raw, nil
}

// Preview returns up to n bytes of the HTML with runs of whitespace collapsed.
func (d *Document) Preview(n int) string {
	html := d.HTML
	if len(html) > n {
		html = html[:n]
	}
	return whitespace.ReplaceAllString(html, " ")
}

func (d *Document) String() string {
	return fmt.Sprintf("Document[%s, %d bytes]", d.URL, len(d.HTML))
}

// Parse builds a goquery selection tree over the HTML.
func (d *Document) Parse() (*goquery.Document, error) {
	dom, err := goquery.NewDocumentFromReader(strings.NewReader(d.HTML))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return dom, nil
}

// Text returns the visible text of the page with whitespace collapsed.
func (d *Document) Text() (string, error) {
	dom, err := d.Parse()
	if err != nil {
		return "", err
	}
	dom.Find("script, style, noscript").Remove()
	return strings.TrimSpace(whitespace.ReplaceAllString(dom.Text(), " ")), nil
}

// Link is an anchor found in a document.
type Link struct {
	Href string
	Text string
}

// Links returns the anchors inside elements matching css, or the whole page
// when css is empty.
func (d *Document) Links(css string) ([]Link, error) {
	dom, err := d.Parse()
	if err != nil {
		return nil, err
	}
	scope := dom.Selection
	if css != "" {
		scope = dom.Find(css)
	}
	var links []Link
	scope.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		text := strings.TrimSpace(whitespace.ReplaceAllString(s.Text(), " "))
		if text == "" {
			text, _ = s.Attr("title")
		}
		links = append(links, Link{Href: href, Text: text})
	})
	return links, nil
}
