// Package stream keeps one authenticated server-sent-events connection to
// the notification endpoint alive. It reconnects with exponential backoff
// and asks a TokenProvider for a fresh token before every reconnect.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/carepulse/carepulse/internal/tokenclock"
	apperrors "github.com/carepulse/carepulse/pkg/errors"
	"github.com/carepulse/carepulse/pkg/httpclient"
)

// TokenProvider is the stream's view of the session.
type TokenProvider interface {
	// CurrentToken returns the freshest known access token, or "".
	CurrentToken(ctx context.Context) string
	// Refresh exchanges the refresh token and returns the new access token.
	Refresh(ctx context.Context) (string, error)
}

// Timer is a pending reconnect.
type Timer interface {
	Stop() bool
}

// AfterFunc arms a one-shot timer. time.AfterFunc is the default.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// MessageHandler receives every parsed event in arrival order.
type MessageHandler func(Event)

// ErrorHandler receives frame errors, connection errors and the terminal
// credentials error.
type ErrorHandler func(error)

// Config configures the stream client.
type Config struct {
	BaseURL        string
	Path           string
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	Skew           time.Duration // tokens expiring within Skew are refreshed first
	RefreshTimeout time.Duration
}

// DefaultConfig returns the standard endpoint and backoff settings.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:        baseURL,
		Path:           "/notifications/subscribe",
		BaseDelay:      time.Second,
		MaxDelay:       30 * time.Second,
		Skew:           30 * time.Second,
		RefreshTimeout: 15 * time.Second,
	}
}

// ConnState is the state of one connection handle.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateOpen
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn is a handle on one connection attempt.
type Conn struct {
	id     uint64
	state  atomic.Int32
	cancel context.CancelFunc
	done   chan struct{}
}

// State returns the connection state.
func (c *Conn) State() ConnState { return ConnState(c.state.Load()) }

// Done is closed when the read loop has exited.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Close stops the connection without scheduling a reconnect.
func (c *Conn) Close() {
	c.state.Store(int32(StateClosed))
	c.cancel()
}

type subscription struct {
	token     string
	onMessage MessageHandler
	onError   ErrorHandler
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the streaming HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithAfterFunc replaces the timer factory.
func WithAfterFunc(f AfterFunc) Option {
	return func(c *Client) { c.afterFunc = f }
}

// WithClock replaces time.Now for token expiry checks and event timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// Client owns at most one connection and one pending reconnect timer.
type Client struct {
	cfg       Config
	tokens    TokenProvider
	http      *http.Client
	afterFunc AfterFunc
	now       func() time.Time
	logger    *slog.Logger

	mu          sync.Mutex
	conn        *Conn
	timer       Timer
	sub         *subscription
	attempts    int
	lastEventID string
	nextConnID  uint64
}

// NewClient creates a disconnected client. tokens may be nil, in which case
// reconnects reuse the subscribed token until it expires.
func NewClient(cfg Config, tokens TokenProvider, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		cfg:       cfg,
		tokens:    tokens,
		http:      httpclient.NewStreaming(httpclient.DefaultConfig()),
		afterFunc: realAfterFunc,
		now:       time.Now,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Subscribe opens a connection with token, replacing any current connection
// and pending reconnect. It returns before the connection is established;
// the outcome is observed through the handlers.
func (c *Client) Subscribe(token string, onMessage MessageHandler, onError ErrorHandler) (*Conn, error) {
	if token == "" {
		return nil, apperrors.InvalidArgument("subscribe requires an access token")
	}
	if onMessage == nil {
		return nil, apperrors.InvalidArgument("subscribe requires a message handler")
	}
	if onError == nil {
		onError = func(error) {}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	sub := &subscription{token: token, onMessage: onMessage, onError: onError}
	c.sub = sub
	c.attempts = 0
	c.lastEventID = ""
	return c.openLocked(sub), nil
}

// Disconnect cancels any pending reconnect, forgets the subscription and
// closes the connection. It is idempotent.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectLocked()
}

func (c *Client) disconnectLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.sub = nil
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
		c.logger.Info("notification stream disconnected")
	}
	streamConnected.Set(0)
}

// IsConnected reports whether the current connection is open.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && c.conn.State() == StateOpen
}

// Attempts returns the number of reconnects scheduled since the last
// successful open.
func (c *Client) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

func (c *Client) openLocked(sub *subscription) *Conn {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.conn != nil {
		c.conn.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.nextConnID++
	conn := &Conn{id: c.nextConnID, cancel: cancel, done: make(chan struct{})}
	conn.state.Store(int32(StateConnecting))
	c.conn = conn

	go c.run(ctx, conn, sub, c.lastEventID)
	return conn
}

func (c *Client) isCurrent(conn *Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn == conn
}

func (c *Client) run(ctx context.Context, conn *Conn, sub *subscription, lastEventID string) {
	defer close(conn.done)

	err := c.read(ctx, conn, sub, lastEventID)
	if err == nil || ctx.Err() != nil {
		return
	}
	c.connectionLost(conn, sub, err)
}

func (c *Client) read(ctx context.Context, conn *Conn, sub *subscription, lastEventID string) error {
	u, err := url.Parse(strings.TrimRight(c.cfg.BaseURL, "/") + c.cfg.Path)
	if err != nil {
		return &ConnectionError{Err: fmt.Errorf("build stream url: %w", err)}
	}
	q := u.Query()
	q.Set("token", sub.token)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return &ConnectionError{Err: fmt.Errorf("create stream request: %w", err)}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &ConnectionError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return &ConnectionError{Status: resp.StatusCode}
	}
	if mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mt != "text/event-stream" {
		return &ConnectionError{Status: resp.StatusCode, Err: fmt.Errorf("%w %q", ErrUnexpectedContentType, mt)}
	}

	if !c.markOpen(conn) {
		return ctx.Err()
	}

	dec := newDecoder(resp.Body)
	for {
		f, err := dec.next()
		if err != nil {
			return &ConnectionError{Err: err}
		}
		c.dispatch(conn, sub, f)
	}
}

func (c *Client) markOpen(conn *Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn || !conn.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen)) {
		return false
	}
	c.attempts = 0
	streamConnected.Set(1)
	c.logger.Info("notification stream open", slog.Uint64("conn", conn.id))
	return true
}

func (c *Client) dispatch(conn *Conn, sub *subscription, f frame) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	if f.id != "" {
		c.lastEventID = f.id
	}
	c.mu.Unlock()

	kind, ok := ParseKind(f.event)
	if !ok {
		c.logger.Debug("ignoring unknown notification event", slog.String("event", f.event))
		return
	}

	var payload json.RawMessage
	if err := json.Unmarshal([]byte(f.data), &payload); err != nil {
		frameErrors.Inc()
		ferr := &FrameError{Kind: kind, ID: f.id, Err: err}
		c.logger.Warn("dropping malformed notification frame",
			slog.String("kind", string(kind)),
			slog.String("id", f.id),
			slog.String("error", err.Error()),
		)
		sub.onError(ferr)
		return
	}

	eventsReceived.WithLabelValues(string(kind)).Inc()
	sub.onMessage(Event{
		Kind:       kind,
		Payload:    payload,
		ID:         f.id,
		ReceivedAt: c.now(),
	})
}

func (c *Client) connectionLost(conn *Conn, sub *subscription, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	conn.state.Store(int32(StateClosed))
	streamConnected.Set(0)
	c.scheduleReconnectLocked()
	c.mu.Unlock()

	c.logger.Warn("notification stream lost",
		slog.Uint64("conn", conn.id),
		slog.String("error", err.Error()),
	)
	sub.onError(err)
}

// scheduleReconnectLocked arms the reconnect timer unless one is already
// pending or nobody wants the stream any more.
func (c *Client) scheduleReconnectLocked() {
	if c.sub == nil || c.timer != nil {
		return
	}
	delay := httpclient.Backoff(c.cfg.BaseDelay, c.cfg.MaxDelay, c.attempts)
	c.attempts++
	sub := c.sub
	c.timer = c.afterFunc(delay, func() { c.reconnect(sub) })

	reconnectsScheduled.Inc()
	c.logger.Info("notification stream reconnect scheduled",
		slog.Int("attempt", c.attempts),
		slog.Duration("delay", delay),
	)
}

func (c *Client) reconnect(sub *subscription) {
	c.mu.Lock()
	if c.sub != sub {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RefreshTimeout)
	defer cancel()
	token, err := c.resolveToken(ctx, sub)

	c.mu.Lock()
	if c.sub != sub {
		c.mu.Unlock()
		c.logger.Debug("subscription ended while resolving token")
		return
	}
	if token == "" {
		c.disconnectLocked()
		c.mu.Unlock()

		streamHalts.Inc()
		terminal := apperrors.CredentialsExhausted(err)
		c.logger.Error("notification stream halted", slog.String("error", terminal.Error()))
		sub.onError(terminal)
		return
	}
	next := &subscription{token: token, onMessage: sub.onMessage, onError: sub.onError}
	c.sub = next
	c.openLocked(next)
	c.mu.Unlock()
}

// resolveToken prefers the provider's current token over the one the
// subscription started with and refreshes it when it is about to expire.
// An empty result means no usable token exists.
func (c *Client) resolveToken(ctx context.Context, sub *subscription) (string, error) {
	token := ""
	if c.tokens != nil {
		token = c.tokens.CurrentToken(ctx)
	}
	if token == "" {
		token = sub.token
	}
	if !tokenclock.IsExpiredOrNearExpiryAt(token, c.cfg.Skew, c.now()) {
		return token, nil
	}

	if c.tokens == nil {
		return "", errors.New("access token expired")
	}
	fresh, err := c.tokens.Refresh(ctx)
	if err != nil {
		return "", err
	}
	if tokenclock.IsExpiredOrNearExpiryAt(fresh, 0, c.now()) {
		return "", errors.New("refreshed access token is already expired")
	}
	return fresh, nil
}
