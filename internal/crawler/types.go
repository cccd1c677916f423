package crawler

import "maps"

// Reserved item keys.
const (
	KeyURL       = "_url"
	KeyMeta      = "_meta"
	KeyHTML      = "_html"
	KeySourceURL = "_sourceUrl"
)

// Item status values stored under _meta.status.
const (
	StatusLoading = "loading"
	StatusDone    = "done"
)

// Item is a bag of named fields flowing between pipeline steps.
// Steps never mutate an item they received; they derive a new one with
// Clone or With and emit that instead.
type Item map[string]any

// URL resolves the page address an item refers to: _url, then url, then
// _meta.source.url.
func (i Item) URL() string {
	if v, ok := i[KeyURL].(string); ok && v != "" {
		return v
	}
	if v, ok := i["url"].(string); ok && v != "" {
		return v
	}
	meta, ok := i[KeyMeta].(map[string]any)
	if !ok {
		return ""
	}
	src, ok := meta["source"].(map[string]any)
	if !ok {
		return ""
	}
	v, _ := src["url"].(string)
	return v
}

// HasURL reports whether the item carries a non-empty _url.
func (i Item) HasURL() bool {
	v, ok := i[KeyURL].(string)
	return ok && v != ""
}

// Clone returns a shallow copy; the _meta map is copied too so status
// updates on the clone never leak into the original.
func (i Item) Clone() Item {
	out := make(Item, len(i)+1)
	maps.Copy(out, i)
	if meta, ok := i[KeyMeta].(map[string]any); ok {
		out[KeyMeta] = maps.Clone(meta)
	}
	return out
}

// With returns a copy of the item with key set to value.
func (i Item) With(key string, value any) Item {
	out := i.Clone()
	out[key] = value
	return out
}

// Merge returns a copy of the item overlaid with fields from other.
func (i Item) Merge(other Item) Item {
	out := i.Clone()
	for k, v := range other {
		if k == KeyMeta {
			continue
		}
		out[k] = v
	}
	return out
}

// WithStatus returns a copy of the item with _meta.status set.
func (i Item) WithStatus(status string) Item {
	out := i.Clone()
	meta, _ := out[KeyMeta].(map[string]any)
	if meta == nil {
		meta = map[string]any{}
	}
	meta["status"] = status
	out[KeyMeta] = meta
	return out
}

// WithSource returns a copy of the item with _meta.source.url set.
func (i Item) WithSource(url string) Item {
	out := i.Clone()
	meta, _ := out[KeyMeta].(map[string]any)
	if meta == nil {
		meta = map[string]any{}
	}
	meta["source"] = map[string]any{"url": url}
	out[KeyMeta] = meta
	return out
}

// Status returns _meta.status, or "" when unset.
func (i Item) Status() string {
	meta, ok := i[KeyMeta].(map[string]any)
	if !ok {
		return ""
	}
	s, _ := meta["status"].(string)
	return s
}

// FetchOptions tune a single page fetch.
type FetchOptions struct {
	// Active brings the rendering tab to the foreground on relay agents.
	Active bool `json:"active,omitempty"`
	// WaitForText delays capture until the text appears in the page.
	WaitForText string `json:"waitForText,omitempty"`
}

// CrawlOptions tune a link-discovery run.
type CrawlOptions struct {
	// CSS scopes link discovery to matching elements.
	CSS string
	// MaxPages caps how many listing pages are visited. Zero means one.
	MaxPages int
	Fetch    FetchOptions
}
