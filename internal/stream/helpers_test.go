package stream

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/carepulse/carepulse/pkg/logger"
)

// --- fake timers ---

type fakeTimer struct {
	mu      sync.Mutex
	d       time.Duration
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

func (t *fakeTimer) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// Fire runs the callback even if the timer was stopped, the way a real
// timer that already fired races with Stop.
func (t *fakeTimer) Fire() { t.f() }

type fakeTimers struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (ft *fakeTimers) AfterFunc(d time.Duration, f func()) Timer {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	ft.timers = append(ft.timers, t)
	return t
}

func (ft *fakeTimers) count() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return len(ft.timers)
}

// await waits for the nth timer (1-based) to be armed and returns it.
func (ft *fakeTimers) await(t *testing.T, n int) *fakeTimer {
	t.Helper()
	require.Eventually(t, func() bool { return ft.count() >= n }, 2*time.Second, 5*time.Millisecond,
		"timer %d was never armed", n)
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return ft.timers[n-1]
}

// --- fake token provider ---

type fakeTokens struct {
	mu           sync.Mutex
	current      string
	refreshed    string
	refreshErr   error
	currentCalls int
	refreshCalls int
	onRefresh    func()
}

func (f *fakeTokens) CurrentToken(_ context.Context) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.currentCalls++
	return f.current
}

func (f *fakeTokens) Refresh(_ context.Context) (string, error) {
	f.mu.Lock()
	f.refreshCalls++
	hook := f.onRefresh
	tok, err := f.refreshed, f.refreshErr
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return tok, err
}

func (f *fakeTokens) calls() (current, refresh int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.currentCalls, f.refreshCalls
}

// --- SSE test server ---

type request struct {
	token       string
	accept      string
	lastEventID string
}

type sseServer struct {
	*httptest.Server
	mu       sync.Mutex
	requests []request
}

func newSSEServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request, n int)) *sseServer {
	t.Helper()
	s := &sseServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests = append(s.requests, request{
			token:       r.URL.Query().Get("token"),
			accept:      r.Header.Get("Accept"),
			lastEventID: r.Header.Get("Last-Event-ID"),
		})
		n := len(s.requests)
		s.mu.Unlock()
		handler(w, r, n)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *sseServer) connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *sseServer) request(i int) request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[i]
}

func openStream(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.(http.Flusher).Flush()
}

func send(w http.ResponseWriter, raw string) {
	_, _ = io.WriteString(w, raw)
	w.(http.Flusher).Flush()
}

func hold(r *http.Request) { <-r.Context().Done() }

// --- callbacks ---

type collector struct {
	events chan Event
	errs   chan error
}

func newCollector() *collector {
	return &collector{events: make(chan Event, 64), errs: make(chan error, 64)}
}

func (c *collector) onMessage(e Event) { c.events <- e }
func (c *collector) onError(err error) { c.errs <- err }

func (c *collector) nextEvent(t *testing.T) Event {
	t.Helper()
	select {
	case e := <-c.events:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func (c *collector) nextError(t *testing.T) error {
	t.Helper()
	select {
	case err := <-c.errs:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for error")
		return nil
	}
}

func newTestClient(t *testing.T, baseURL string, tokens TokenProvider) (*Client, *fakeTimers) {
	t.Helper()
	timers := &fakeTimers{}
	c := NewClient(DefaultConfig(baseURL), tokens, logger.Discard(), WithAfterFunc(timers.AfterFunc))
	t.Cleanup(c.Disconnect)
	return c, timers
}
