package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	// ErrNotConnected is returned by Send when no session is open.
	ErrNotConnected = errors.New("relay: not connected")
	// ErrConnectionLost is set on the replies of commands still pending when
	// the session drops.
	ErrConnectionLost = errors.New("relay: connection lost")

	errRelayIDRequired = errors.New("relay id is required")
	errHostRequired    = errors.New("relay host is required")
)

// ReplyFunc receives the reply to a command. It runs on the read loop and
// must not block.
type ReplyFunc func(Reply)

// Client holds at most one websocket session to a relay agent. Replies are
// routed to the callback registered for their command ID, so they may arrive
// in any order.
type Client struct {
	host   string
	dialer *websocket.Dialer
	logger *zap.Logger

	mu      sync.Mutex
	session *session

	writeMu sync.Mutex
}

type session struct {
	conn    *websocket.Conn
	pending map[string]ReplyFunc
	done    chan struct{}
	closed  bool
}

// Option customizes a Client.
type Option func(*Client)

// WithLogger sets the client's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithHandshakeTimeout overrides the websocket handshake timeout.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.dialer.HandshakeTimeout = d
	}
}

// NewClient returns a disconnected client for host, which may use the
// ws, wss, http or https scheme.
func NewClient(host string, opts ...Option) *Client {
	c := &Client{
		host: host,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 45 * time.Second,
		},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Host returns the configured agent host.
func (c *Client) Host() string {
	return c.host
}

// IsConnected reports whether a session is open.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil
}

// Connect dials <host>/relay/<relayID>. It is a no-op when already connected.
func (c *Client) Connect(ctx context.Context, relayID string) error {
	if relayID == "" {
		return errRelayIDRequired
	}
	endpoint, err := endpointURL(c.host, relayID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.session != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	conn, resp, err := c.dialer.DialContext(ctx, endpoint, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial relay %s: %w", endpoint, err)
	}

	s := &session{
		conn:    conn,
		pending: make(map[string]ReplyFunc),
		done:    make(chan struct{}),
	}
	c.mu.Lock()
	if c.session != nil {
		c.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	c.session = s
	c.mu.Unlock()

	go c.readLoop(s)
	c.logger.Debug("relay connected", zap.String("endpoint", endpoint))
	return nil
}

// Send writes cmd and registers onReply for its reply. A missing ID is
// filled with a fresh UUIDv7. onReply may be nil for commands whose reply is
// ignored.
func (c *Client) Send(ctx context.Context, cmd Command, onReply ReplyFunc) error {
	if cmd.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate command id: %w", err)
		}
		cmd.ID = id.String()
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}

	c.mu.Lock()
	s := c.session
	if s == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	if onReply != nil {
		s.pending[cmd.ID] = onReply
	}
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetWriteDeadline(deadline)
	} else {
		_ = s.conn.SetWriteDeadline(time.Time{})
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.mu.Lock()
		delete(s.pending, cmd.ID)
		c.mu.Unlock()
		return fmt.Errorf("write %s command: %w", cmd.Command, err)
	}
	return nil
}

// Close ends the current session. Callbacks still waiting for a reply are
// dropped; a session lost any other way fails them with ErrConnectionLost. Closing a disconnected client is a no-op.
func (c *Client) Close() error {
	c.mu.Lock()
	s := c.session
	c.session = nil
	if s != nil {
		s.closed = true
		s.pending = make(map[string]ReplyFunc)
	}
	c.mu.Unlock()
	if s == nil {
		return nil
	}

	c.writeMu.Lock()
	_ = s.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	c.writeMu.Unlock()
	err := s.conn.Close()
	<-s.done
	if err != nil {
		return fmt.Errorf("close relay connection: %w", err)
	}
	return nil
}

func (c *Client) readLoop(s *session) {
	defer close(s.done)
	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closed := s.closed
			if c.session == s {
				c.session = nil
			}
			orphaned := s.pending
			s.pending = make(map[string]ReplyFunc)
			c.mu.Unlock()
			if closed {
				return
			}
			c.logger.Warn("relay connection lost", zap.Error(err), zap.Int("pending", len(orphaned)))
			_ = s.conn.Close()
			lost := fmt.Errorf("%w: %w", ErrConnectionLost, err)
			for id, cb := range orphaned {
				cb(Reply{ID: id, Err: lost})
			}
			return
		}

		var reply Reply
		if err := json.Unmarshal(message, &reply); err != nil {
			c.logger.Warn("dropping malformed relay reply", zap.Error(err))
			continue
		}
		c.mu.Lock()
		cb, ok := s.pending[reply.ID]
		delete(s.pending, reply.ID)
		c.mu.Unlock()
		if !ok {
			c.logger.Debug("reply without pending command", zap.String("id", reply.ID))
			continue
		}
		cb(reply)
	}
}

func endpointURL(host, relayID string) (string, error) {
	if host == "" {
		return "", errHostRequired
	}
	u, err := url.Parse(host)
	if err != nil {
		return "", fmt.Errorf("parse relay host: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported relay scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/relay/" + relayID
	u.RawPath = ""
	return u.String(), nil
}
