package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/relay-scraper/internal/document"
)

// ChromedpConfig controls the browser-backed renderer.
type ChromedpConfig struct {
	UserAgent         string
	NavigationTimeout time.Duration
	// Headless=false opens a visible window, which is how relay agents
	// usually run on a desktop next to a logged-in profile.
	Headless bool
	// UserDataDir reuses a browser profile (cookies, logins).
	UserDataDir string
}

// ChromedpRenderer renders pages as tabs of one long-lived browser so cookies
// are shared across fetches.
type ChromedpRenderer struct {
	cfg           ChromedpConfig
	allocCancel   context.CancelFunc
	browser       context.Context
	browserCancel context.CancelFunc
}

// NewChromedpRenderer starts a browser.
func NewChromedpRenderer(cfg ChromedpConfig) (*ChromedpRenderer, error) {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if cfg.UserDataDir != "" {
		opts = append(opts, chromedp.UserDataDir(cfg.UserDataDir))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("start browser: %w", err)
	}
	return &ChromedpRenderer{
		cfg:           cfg,
		allocCancel:   allocCancel,
		browser:       browserCtx,
		browserCancel: browserCancel,
	}, nil
}

// Close shuts the browser down.
func (r *ChromedpRenderer) Close() {
	r.browserCancel()
	r.allocCancel()
}

// Render opens url in a fresh tab and returns its rendered DOM.
func (r *ChromedpRenderer) Render(ctx context.Context, url string, opts RenderOptions) (*document.Document, error) {
	tabCtx, tabCancel := chromedp.NewContext(r.browser)
	defer tabCancel()
	tabCtx, cancel := context.WithTimeout(tabCtx, r.cfg.NavigationTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	meta := newResponseMeta()
	chromedp.ListenTarget(tabCtx, meta.captureEvent)

	var (
		html     string
		finalURL string
	)
	actions := []chromedp.Action{r.networkSetupAction()}
	if opts.Active {
		actions = append(actions, page.BringToFront())
	}
	actions = append(actions,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if opts.WaitForText != "" {
		actions = append(actions, waitForText(opts.WaitForText))
	} else {
		actions = append(actions, chromedp.Sleep(500*time.Millisecond))
	}
	actions = append(actions,
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err := chromedp.Run(tabCtx, actions...); err != nil {
		return nil, fmt.Errorf("chromedp run: %w", err)
	}

	status, contentType, responseURL := meta.snapshotWithFallbacks(url, finalURL)
	return &document.Document{
		URL:         responseURL,
		HTML:        html,
		Body:        html,
		ContentType: contentType,
		Status:      status,
	}, nil
}

// ClearCookies deletes every cookie whose domain is domain or a subdomain.
func (r *ChromedpRenderer) ClearCookies(ctx context.Context, domain string) error {
	tabCtx, tabCancel := chromedp.NewContext(r.browser)
	defer tabCancel()
	stop := context.AfterFunc(ctx, tabCancel)
	defer stop()

	domain = strings.TrimPrefix(strings.ToLower(domain), ".")
	return chromedp.Run(tabCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		if domain == "" {
			if err := network.ClearBrowserCookies().Do(ctx); err != nil {
				return fmt.Errorf("clear browser cookies: %w", err)
			}
			return nil
		}
		cookies, err := storage.GetCookies().Do(ctx)
		if err != nil {
			return fmt.Errorf("list cookies: %w", err)
		}
		for _, c := range cookies {
			host := strings.TrimPrefix(strings.ToLower(c.Domain), ".")
			if host != domain && !strings.HasSuffix(host, "."+domain) {
				continue
			}
			if err := network.DeleteCookies(c.Name).WithDomain(c.Domain).WithPath(c.Path).Do(ctx); err != nil {
				return fmt.Errorf("delete cookie %s: %w", c.Name, err)
			}
		}
		return nil
	}))
}

func (r *ChromedpRenderer) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if r.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(r.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func waitForText(text string) chromedp.Action {
	quoted, _ := json.Marshal(text)
	expr := fmt.Sprintf(`document.body && document.body.innerText.includes(%s)`, quoted)
	return chromedp.Poll(expr, nil, chromedp.WithPollingInterval(250*time.Millisecond))
}

type responseMeta struct {
	mu          sync.RWMutex
	status      int
	contentType string
	url         string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) captureEvent(ev any) {
	event, ok := ev.(*network.EventResponseReceived)
	if !ok || event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.url != "" {
		return
	}
	m.status = int(event.Response.Status)
	m.contentType = event.Response.MimeType
	m.url = event.Response.URL
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, string, string) {
	m.mu.RLock()
	status, contentType, url := m.status, m.contentType, m.url
	m.mu.RUnlock()
	switch {
	case finalURL != "":
		url = finalURL
	case url != "":
	default:
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	if contentType == "" {
		contentType = "text/html"
	}
	return status, contentType, url
}
