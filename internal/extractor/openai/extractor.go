// Package openaiextractor answers extraction questions about a page with an
// OpenAI-compatible chat model.
package openaiextractor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/JakeFAU/relay-scraper/internal/crawler"
	"github.com/JakeFAU/relay-scraper/internal/document"
)

// DefaultModel is used when Config.Model is empty.
const DefaultModel = openai.GPT4oMini

const defaultMaxChars = 60_000

// ErrNoAnswer is returned when the model response has no usable content.
var ErrNoAnswer = errors.New("model returned no answer")

type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Config configures the extractor.
type Config struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
	// MaxChars truncates page HTML before it is sent to the model.
	MaxChars int
}

// Extractor implements crawler.Extractor.
type Extractor struct {
	client   chatClient
	model    string
	maxChars int
	logger   *zap.Logger
}

// Option customizes an Extractor.
type Option func(*Extractor)

// WithClient swaps the chat client.
func WithClient(c chatClient) Option {
	return func(e *Extractor) { e.client = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Extractor) {
		if l != nil {
			e.logger = l
		}
	}
}

// New builds an Extractor. An API key is required unless a client is
// supplied.
func New(cfg Config, opts ...Option) (*Extractor, error) {
	e := &Extractor{
		model:    cfg.Model,
		maxChars: cfg.MaxChars,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.model == "" {
		e.model = DefaultModel
	}
	if e.maxChars <= 0 {
		e.maxChars = defaultMaxChars
	}
	if e.client == nil {
		if cfg.APIKey == "" {
			return nil, errors.New("openai api key is required")
		}
		clientCfg := openai.DefaultConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			clientCfg.BaseURL = cfg.BaseURL
		}
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 2 * time.Minute
		}
		clientCfg.HTTPClient = &http.Client{Timeout: timeout}
		e.client = openai.NewClientWithConfig(clientCfg)
	}
	return e, nil
}

type answer struct {
	Items []crawler.Item `json:"items"`
}

// Extract asks the model to answer questions from the document. Each
// answer set becomes one item keyed by the question names; with single only
// the first is returned.
func (e *Extractor) Extract(
	ctx context.Context,
	doc *document.Document,
	questions map[string]string,
	single bool,
) ([]crawler.Item, error) {
	if doc == nil {
		return nil, errors.New("extract: nil document")
	}
	if len(questions) == 0 {
		return nil, errors.New("extract: no questions")
	}

	html := doc.HTML
	if len(html) > e.maxChars {
		html = html[:e.maxChars]
	}
	req := openai.ChatCompletionRequest{
		Model: e.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt(questions, single)},
			{Role: openai.ChatMessageRoleUser, Content: fmt.Sprintf("URL: %s\n\n%s", doc.URL, html)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0,
	}

	start := time.Now()
	resp, err := e.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return nil, ErrNoAnswer
	}

	var out answer
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &out); err != nil {
		return nil, fmt.Errorf("decode model answer: %w", err)
	}
	items := make([]crawler.Item, 0, len(out.Items))
	for _, item := range out.Items {
		if len(item) == 0 {
			continue
		}
		items = append(items, item)
	}
	if single && len(items) > 1 {
		items = items[:1]
	}

	e.logger.Debug("extracted",
		zap.String("url", doc.URL),
		zap.Int("items", len(items)),
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens),
		zap.Duration("elapsed", time.Since(start)),
	)
	return items, nil
}

func systemPrompt(questions map[string]string, single bool) string {
	keys := make([]string, 0, len(questions))
	for k := range questions {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("You extract structured data from web pages.\n")
	b.WriteString("Reply with a JSON object of the form {\"items\": [ ... ]}.\n")
	if single {
		b.WriteString("The page describes one entity: return exactly one item.\n")
	} else {
		b.WriteString("Return one item per entity the page describes, or an empty list.\n")
	}
	b.WriteString("Each item has these keys, answering the question given for each:\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "- %s: %s\n", k, questions[k])
	}
	b.WriteString("Use null when the page does not answer a question.")
	return b.String()
}
