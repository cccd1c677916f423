// Package relay implements the websocket protocol spoken between a scraper
// and a remote relay agent that fetches pages from a real browser.
package relay

import "encoding/json"

// Command names understood by relay agents.
const (
	CommandFetch        = "fetch"
	CommandClearCookies = "clearCookies"
)

// Command is a request frame. ID correlates the agent's reply.
type Command struct {
	ID           string `json:"id"`
	Command      string `json:"command"`
	URL          string `json:"url,omitempty"`
	PresignedURL string `json:"presignedUrl,omitempty"`
	Active       bool   `json:"active,omitempty"`
	WaitForText  string `json:"waitForText,omitempty"`
	Domain       string `json:"domain,omitempty"`
}

// Reply is a response frame. Reply holds the command-specific payload; for
// fetch it is a document (url, html, body, status, contentType).
type Reply struct {
	ID    string          `json:"id"`
	Reply json.RawMessage `json:"reply,omitempty"`
	Error string          `json:"error,omitempty"`

	// Err is set locally, never on the wire, when no reply can arrive.
	Err error `json:"-"`
}

// Empty reports whether the reply carries no payload.
func (r Reply) Empty() bool {
	return len(r.Reply) == 0 || string(r.Reply) == "null"
}
