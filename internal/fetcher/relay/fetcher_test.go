package relayfetcher

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/relay-scraper/internal/crawler"
	"github.com/JakeFAU/relay-scraper/internal/document"
	"github.com/JakeFAU/relay-scraper/internal/relay"
	"github.com/JakeFAU/relay-scraper/internal/relay/agent"
)

type fakeTransport struct {
	mu         sync.Mutex
	connected  bool
	connects   int
	closes     int
	connectErr error
	sendErr    error
	gate       chan struct{}
	commands   []relay.Command
	respond    func(cmd relay.Command, reply relay.ReplyFunc)
}

func (t *fakeTransport) Connect(_ context.Context, _ string) error {
	t.mu.Lock()
	t.connects++
	gate, err := t.gate, t.connectErr
	t.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *fakeTransport) Send(_ context.Context, cmd relay.Command, onReply relay.ReplyFunc) error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return relay.ErrNotConnected
	}
	if t.sendErr != nil && cmd.Command == relay.CommandFetch {
		t.mu.Unlock()
		return t.sendErr
	}
	t.commands = append(t.commands, cmd)
	respond := t.respond
	t.mu.Unlock()
	if respond != nil && onReply != nil {
		go respond(cmd, onReply)
	}
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = false
	t.closes++
	return nil
}

func (t *fakeTransport) stats() (connects, closes int, commands []relay.Command) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connects, t.closes, append([]relay.Command(nil), t.commands...)
}

func pageReply(cmd relay.Command, reply relay.ReplyFunc) {
	if cmd.Command != relay.CommandFetch {
		reply(relay.Reply{ID: cmd.ID, Reply: json.RawMessage(`{"ok":true}`)})
		return
	}
	body, _ := json.Marshal(document.Document{URL: cmd.URL, HTML: "<p>" + cmd.URL + "</p>"})
	reply(relay.Reply{ID: cmd.ID, Reply: body})
}

type fakePresigner struct {
	keys []string
	err  error
}

func (p *fakePresigner) PresignPut(_ context.Context, key, contentType string) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	p.keys = append(p.keys, key+"|"+contentType)
	return "https://bucket.test/signed?key=" + key, nil
}

func newFetcher(t *testing.T, cfg Config, transport *fakeTransport, opts ...Option) *Fetcher {
	t.Helper()
	cfg.RelayID = "relay-1"
	f, err := New(cfg, append([]Option{WithTransport(transport), WithLogger(zap.NewNop())}, opts...)...)
	require.NoError(t, err)
	return f
}

func TestFetchReturnsDocumentAndClosesSession(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{respond: pageReply}
	f := newFetcher(t, Config{}, transport)

	doc, err := f.Fetch(context.Background(), "https://shop.test/p/1", crawler.FetchOptions{Active: true, WaitForText: "Price"})
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "https://shop.test/p/1", doc.URL)
	assert.Equal(t, "<p>https://shop.test/p/1</p>", doc.Body)

	connects, closes, commands := transport.stats()
	assert.Equal(t, 1, connects)
	assert.Equal(t, 1, closes)
	require.Len(t, commands, 1)
	assert.Equal(t, relay.Command{
		Command:     relay.CommandFetch,
		URL:         "https://shop.test/p/1",
		Active:      true,
		WaitForText: "Price",
	}, commands[0])
	assert.Zero(t, f.InFlight())
}

func TestConcurrentFetchesShareOneConnect(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	transport := &fakeTransport{respond: pageReply, gate: gate}
	f := newFetcher(t, Config{}, transport)

	const n = 5
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.Fetch(context.Background(), "https://shop.test/", crawler.FetchOptions{})
			errs <- err
		}()
	}
	require.Eventually(t, func() bool { return f.InFlight() == n }, 5*time.Second, 5*time.Millisecond)
	close(gate)
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	connects, closes, commands := transport.stats()
	assert.Equal(t, 1, connects)
	assert.Len(t, commands, n)
	assert.Equal(t, 1, closes)
	assert.Zero(t, f.InFlight())
}

func TestSessionClosesOnlyAfterAllInFlightComplete(t *testing.T) {
	t.Parallel()

	hold := make(chan struct{})
	transport := &fakeTransport{}
	transport.respond = func(cmd relay.Command, reply relay.ReplyFunc) {
		<-hold
		pageReply(cmd, reply)
	}
	f := newFetcher(t, Config{}, transport)

	const k = 3
	var wg sync.WaitGroup
	for range k {
		wg.Add(1)
		go func() {
			defer wg.Done()
			doc, err := f.Fetch(context.Background(), "https://shop.test/", crawler.FetchOptions{})
			assert.NoError(t, err)
			assert.NotNil(t, doc)
		}()
	}
	require.Eventually(t, func() bool {
		_, _, commands := transport.stats()
		return len(commands) == k
	}, 5*time.Second, 5*time.Millisecond)

	_, closes, _ := transport.stats()
	assert.Zero(t, closes, "session must stay open while requests are outstanding")
	assert.True(t, transport.IsConnected())

	close(hold)
	wg.Wait()
	_, closes, _ = transport.stats()
	assert.Equal(t, 1, closes)
	assert.False(t, transport.IsConnected())

	doc, err := f.Fetch(context.Background(), "https://shop.test/again", crawler.FetchOptions{})
	require.NoError(t, err)
	require.NotNil(t, doc)
	connects, closes, _ := transport.stats()
	assert.Equal(t, 2, connects, "next fetch reopens the session")
	assert.Equal(t, 2, closes)
}

func TestTimeoutYieldsNothing(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{}
	f := newFetcher(t, Config{Timeout: 30 * time.Millisecond}, transport)

	doc, err := f.Fetch(context.Background(), "https://slow.test/", crawler.FetchOptions{})
	require.NoError(t, err)
	assert.Nil(t, doc)
	_, closes, _ := transport.stats()
	assert.Equal(t, 1, closes)
	assert.Zero(t, f.InFlight())
}

func TestCanceledConnectDoesNotLeakSession(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	transport := &fakeTransport{respond: pageReply, gate: gate}
	f := newFetcher(t, Config{}, transport)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := f.Fetch(ctx, "https://shop.test/", crawler.FetchOptions{})
		errs <- err
	}()
	require.Eventually(t, func() bool {
		connects, _, _ := transport.stats()
		return connects == 1
	}, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-errs, context.Canceled)
	assert.Zero(t, f.InFlight())

	close(gate)
	require.Eventually(t, func() bool {
		_, closes, _ := transport.stats()
		return closes == 1 && !transport.IsConnected()
	}, 5*time.Second, 5*time.Millisecond)
}

func TestConnectFailurePropagates(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection refused")
	transport := &fakeTransport{connectErr: boom}
	f := newFetcher(t, Config{}, transport)

	_, err := f.Fetch(context.Background(), "https://shop.test/", crawler.FetchOptions{})
	require.ErrorIs(t, err, boom)
	_, _, commands := transport.stats()
	assert.Empty(t, commands)
	assert.Zero(t, f.InFlight())
}

func TestSendFailureUnwindsAccounting(t *testing.T) {
	t.Parallel()

	boom := errors.New("broken pipe")
	transport := &fakeTransport{sendErr: boom}
	f := newFetcher(t, Config{}, transport)

	_, err := f.Fetch(context.Background(), "https://shop.test/", crawler.FetchOptions{})
	require.ErrorIs(t, err, boom)
	assert.Zero(t, f.InFlight())
	_, closes, _ := transport.stats()
	assert.Equal(t, 1, closes)
}

func TestClearCookiesUsesLastTwoHostLabels(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{respond: pageReply}
	f := newFetcher(t, Config{ShouldClearCookies: true}, transport)

	doc, err := f.Fetch(context.Background(), "https://a.b.example.com/x", crawler.FetchOptions{})
	require.NoError(t, err)
	require.NotNil(t, doc)

	require.Eventually(t, func() bool { return f.InFlight() == 0 }, 5*time.Second, 5*time.Millisecond)
	_, closes, commands := transport.stats()
	require.Len(t, commands, 2)
	assert.Equal(t, relay.CommandClearCookies, commands[1].Command)
	assert.Equal(t, "example.com", commands[1].Domain)
	assert.Equal(t, 1, closes)
}

func TestClearCookiesSkippedOnTimeout(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{}
	f := newFetcher(t, Config{ShouldClearCookies: true, Timeout: 20 * time.Millisecond}, transport)

	doc, err := f.Fetch(context.Background(), "https://a.b.example.com/x", crawler.FetchOptions{})
	require.NoError(t, err)
	assert.Nil(t, doc)
	_, _, commands := transport.stats()
	assert.Len(t, commands, 1)
}

func TestClearCookiesDoesNotWaitForReply(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{}
	transport.respond = func(cmd relay.Command, reply relay.ReplyFunc) {
		if cmd.Command == relay.CommandFetch {
			pageReply(cmd, reply)
		}
	}
	f := newFetcher(t, Config{ShouldClearCookies: true, CookieLinger: 50 * time.Millisecond}, transport)

	start := time.Now()
	doc, err := f.Fetch(context.Background(), "https://shop.example.co.uk/", crawler.FetchOptions{})
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Less(t, time.Since(start), time.Second)

	require.Eventually(t, func() bool {
		_, _, commands := transport.stats()
		return len(commands) == 2
	}, 5*time.Second, 5*time.Millisecond)
	_, _, commands := transport.stats()
	assert.Equal(t, "co.uk", commands[1].Domain)

	require.Eventually(t, func() bool {
		_, closes, _ := transport.stats()
		return closes == 1
	}, 5*time.Second, 5*time.Millisecond)
}

func TestPresignedUploadTarget(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{respond: pageReply}
	presigner := &fakePresigner{}
	f := newFetcher(t, Config{ShouldPresignURL: true, PresignID: "rf_test000001"}, transport, WithPresigner(presigner))

	_, err := f.Fetch(context.Background(), "https://shop.test/p/1", crawler.FetchOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"relay-fetcher/rf_test000001/https://shop.test/p/1|text/html"}, presigner.keys)
	_, _, commands := transport.stats()
	require.Len(t, commands, 1)
	assert.Equal(t, "https://bucket.test/signed?key=relay-fetcher/rf_test000001/https://shop.test/p/1", commands[0].PresignedURL)
}

func TestPresignFailurePropagates(t *testing.T) {
	t.Parallel()

	boom := errors.New("no credentials")
	transport := &fakeTransport{respond: pageReply}
	f := newFetcher(t, Config{ShouldPresignURL: true}, transport, WithPresigner(&fakePresigner{err: boom}))

	_, err := f.Fetch(context.Background(), "https://shop.test/", crawler.FetchOptions{})
	require.ErrorIs(t, err, boom)
	assert.Zero(t, f.InFlight())
	_, _, commands := transport.stats()
	assert.Empty(t, commands)
}

func TestEmptyAndErrorRepliesYieldNothing(t *testing.T) {
	t.Parallel()

	replies := []relay.Reply{
		{Reply: json.RawMessage("null")},
		{Error: "render failed"},
		{Reply: json.RawMessage(`{"url":"https://shop.test/"}`)},
	}
	for _, r := range replies {
		transport := &fakeTransport{respond: func(cmd relay.Command, reply relay.ReplyFunc) {
			r.ID = cmd.ID
			reply(r)
		}}
		f := newFetcher(t, Config{}, transport)
		doc, err := f.Fetch(context.Background(), "https://shop.test/", crawler.FetchOptions{})
		require.NoError(t, err)
		assert.Nil(t, doc)
	}
}

func TestMalformedReplyIsAnError(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{respond: func(cmd relay.Command, reply relay.ReplyFunc) {
		reply(relay.Reply{ID: cmd.ID, Reply: json.RawMessage(`"just a string"`)})
	}}
	f := newFetcher(t, Config{}, transport)
	_, err := f.Fetch(context.Background(), "https://shop.test/", crawler.FetchOptions{})
	require.Error(t, err)
	assert.Zero(t, f.InFlight())
}

func TestContextCancellation(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{}
	f := newFetcher(t, Config{}, transport)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := f.Fetch(ctx, "https://shop.test/", crawler.FetchOptions{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, f.InFlight())
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.ErrorIs(t, err, errHostRequired)

	_, err = New(Config{Host: "ws://relay.test", ShouldPresignURL: true})
	require.ErrorIs(t, err, errNoPresigner)

	f, err := New(Config{Host: "ws://relay.test"})
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^rf_[a-z0-9]{10}$`), f.PresignID())
}

func TestDroppedSessionFailsFetch(t *testing.T) {
	t.Parallel()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_, _, _ = conn.ReadMessage()
		_ = conn.Close()
	}))
	defer srv.Close()

	f, err := New(Config{Host: srv.URL, RelayID: "desk", Timeout: 30 * time.Second})
	require.NoError(t, err)

	start := time.Now()
	doc, err := f.Fetch(context.Background(), "https://www.example.com/", crawler.FetchOptions{})
	require.ErrorIs(t, err, relay.ErrConnectionLost)
	assert.Nil(t, doc)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Zero(t, f.InFlight())
}

type stubRenderer struct{}

func (stubRenderer) Render(_ context.Context, url string, _ agent.RenderOptions) (*document.Document, error) {
	return &document.Document{URL: url, HTML: "<h1>live</h1>", Body: "<h1>live</h1>", Status: 200}, nil
}

func (stubRenderer) ClearCookies(context.Context, string) error { return nil }

func TestFetchAgainstAgent(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(agent.New(stubRenderer{}, agent.Config{}, zap.NewNop()).Handler())
	defer srv.Close()

	f, err := New(Config{Host: srv.URL, RelayID: "desk", ShouldClearCookies: true, CookieLinger: time.Second})
	require.NoError(t, err)

	for range 2 {
		doc, err := f.Fetch(context.Background(), "https://www.example.com/", crawler.FetchOptions{})
		require.NoError(t, err)
		require.NotNil(t, doc)
		assert.Equal(t, "<h1>live</h1>", doc.HTML)
		assert.Equal(t, 200, doc.Status)
		require.Eventually(t, func() bool { return f.InFlight() == 0 }, 5*time.Second, 10*time.Millisecond)
	}
}
