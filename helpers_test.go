package rtm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

// ── Fake transport ───────────────────────────────────────

type fakeConn struct {
	in        chan []byte
	writes    chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	written  [][]byte
	writeErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 64),
		writes: make(chan []byte, 256),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.closed:
		return nil, errors.New("connection closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closed:
		return errors.New("write on closed connection")
	default:
	}
	if c.writeErr != nil {
		return c.writeErr
	}
	c.written = append(c.written, data)
	c.writes <- data
	return nil
}

func (c *fakeConn) Close(string) error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) send(frame string) { c.in <- []byte(frame) }

func (c *fakeConn) hello(resumed bool) {
	if resumed {
		c.send(`{"type":"hello","resumed":true}`)
		return
	}
	c.send(`{"type":"hello"}`)
}

// nextFrame waits for the next outbound frame that is not a ping.
func (c *fakeConn) nextFrame(t *testing.T) OutboundFrame {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case data := <-c.writes:
			var f OutboundFrame
			require.NoError(t, json.Unmarshal(data, &f))
			if f.Type == "ping" {
				continue
			}
			return f
		case <-deadline:
			t.Fatal("no outbound frame")
			return OutboundFrame{}
		}
	}
}

// framesOfType returns every frame of typ written so far.
func (c *fakeConn) framesOfType(t *testing.T, typ string) []OutboundFrame {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []OutboundFrame
	for _, data := range c.written {
		var f OutboundFrame
		require.NoError(t, json.Unmarshal(data, &f))
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

type fakeTransport struct {
	mu      sync.Mutex
	urls    []string
	headers []http.Header
	fail    []error // returned by the next dials, in order
	down    bool    // every dial fails while set

	dialed chan *fakeConn
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{dialed: make(chan *fakeConn, 16)}
}

func (t *fakeTransport) Dial(ctx context.Context, rawURL string, header http.Header) (Conn, error) {
	t.mu.Lock()
	t.urls = append(t.urls, rawURL)
	t.headers = append(t.headers, header)
	var err error
	switch {
	case len(t.fail) > 0:
		err, t.fail = t.fail[0], t.fail[1:]
	case t.down:
		err = &NetworkError{Op: "dial", Err: errors.New("network unreachable")}
	}
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}
	c := newFakeConn()
	t.dialed <- c
	return c, nil
}

func (t *fakeTransport) setDown(down bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.down = down
}

func (t *fakeTransport) dialURLs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.urls...)
}

func (t *fakeTransport) next(tb *testing.T) *fakeConn {
	tb.Helper()
	select {
	case c := <-t.dialed:
		return c
	case <-time.After(waitFor):
		tb.Fatal("no dial")
		return nil
	}
}

// ── Client harness ───────────────────────────────────────

func testConfig(tr Transport) Config {
	return Config{
		URL:                   "wss://rtm.test/ws",
		Token:                 "xoxc-test",
		SelfUserID:            "U_SELF",
		Transport:             tr,
		HeartbeatInterval:     time.Hour,
		HeartbeatTimeout:      time.Second,
		MaxReconnectAttempts:  -1,
		ReconnectBaseDelay:    5 * time.Millisecond,
		ReconnectMaxDelay:     20 * time.Millisecond,
		AckTimeout:            time.Second,
		CommandRetryBaseDelay: 20 * time.Millisecond,
		CommandRetryMaxDelay:  100 * time.Millisecond,
		TypingTimeout:         200 * time.Millisecond,
		TypingThrottle:        time.Hour,
		TickInterval:          5 * time.Millisecond,
	}
}

type runningClient struct {
	*Client
	errCh chan error
	stop  context.CancelFunc
}

func startClient(t *testing.T, store *Store, cfg Config, setup ...func(*Client)) *runningClient {
	t.Helper()
	c := NewClient(store, cfg)
	for _, fn := range setup {
		fn(c)
	}
	ctx, cancel := context.WithCancel(context.Background())
	rc := &runningClient{Client: c, errCh: make(chan error, 1), stop: cancel}
	go func() { rc.errCh <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-rc.errCh:
		case <-time.After(waitFor):
			t.Error("Run did not return")
		}
	})
	return rc
}

func (rc *runningClient) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return rc.State() == want }, waitFor, 2*time.Millisecond,
		"state %s, want %s", rc.State(), want)
}

func (rc *runningClient) runErr(t *testing.T) error {
	t.Helper()
	select {
	case err := <-rc.errCh:
		rc.errCh <- err
		return err
	case <-time.After(waitFor):
		t.Fatal("Run did not return")
		return nil
	}
}

// connectLive dials, sends hello and waits for the live state.
func connectLive(t *testing.T, rc *runningClient, tr *fakeTransport, resumed bool) *fakeConn {
	t.Helper()
	conn := tr.next(t)
	conn.hello(resumed)
	rc.waitState(t, StateLive)
	return conn
}

func submit(t *testing.T, rc *runningClient, cmd Command) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	id, err := rc.Submit(ctx, cmd)
	require.NoError(t, err)
	return id
}
