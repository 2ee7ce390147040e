package rtm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// ============================================================================
// Connection state
// ============================================================================

// State is the lifecycle state of the stream session.
type State string

const (
	StateDisconnected   State = "disconnected"
	StateConnecting     State = "connecting"
	StateAuthenticating State = "authenticating" // transport open, waiting for hello
	StateLive           State = "live"
	StateReconnecting   State = "reconnecting"
)

// stableSession is how long a session must stay live before earlier dial
// failures stop counting against the reconnect budget.
const stableSession = 60 * time.Second

// ============================================================================
// Connection manager
// ============================================================================

type dialResult struct {
	gen  uint64
	conn Conn
	err  error
}

type inboundFrame struct {
	gen  uint64
	data []byte
	err  error
}

// connManager owns the transport and session state. All methods run on the
// client's event loop; only the dial and reader goroutines touch the
// channels from elsewhere.
type connManager struct {
	cfg       *Config
	log       *zap.Logger
	transport Transport
	now       func() time.Time

	state  State
	conn   Conn
	cancel context.CancelFunc
	gen    uint64

	url          string // replaced by reconnect_url controls
	sentCursor   string
	authDeadline time.Time
	retry        backoff
	attempts     int // reconnects since the last stable session
	liveSince    time.Time
	redial       *time.Timer

	pingSeq     int
	pendingPing string
	pingSentAt  time.Time
	lastPingAt  time.Time

	observers []func(from, to State)

	dialCh    chan dialResult
	inboundCh chan inboundFrame
}

func newConnManager(cfg *Config) *connManager {
	return &connManager{
		cfg:       cfg,
		log:       cfg.Logger.Named("conn"),
		transport: cfg.Transport,
		now:       time.Now,
		state:     StateDisconnected,
		url:       cfg.URL,
		retry:     backoff{base: cfg.ReconnectBaseDelay, max: cfg.ReconnectMaxDelay, jitter: 0.5},
		dialCh:    make(chan dialResult, 1),
		inboundCh: make(chan inboundFrame, 64),
	}
}

func (m *connManager) live() bool { return m.state == StateLive }

func (m *connManager) transition(to State) {
	from := m.state
	if from == to {
		return
	}
	m.state = to
	m.log.Debug("state", zap.String("from", string(from)), zap.String("to", string(to)))
	for _, fn := range m.observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.log.Error("state observer panicked", zap.Any("panic", r))
				}
			}()
			fn(from, to)
		}()
	}
}

// connect starts a dial in the background. The result arrives on dialCh.
func (m *connManager) connect(ctx context.Context, cursor string) error {
	if err := checkTokenExpiry(m.cfg.Token, m.now()); err != nil {
		m.transition(StateDisconnected)
		return err
	}
	target, err := streamURL(m.url, cursor)
	if err != nil {
		m.transition(StateDisconnected)
		return err
	}

	m.gen++
	gen := m.gen
	m.sentCursor = cursor
	m.transition(StateConnecting)

	header := http.Header{}
	if m.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+m.cfg.Token)
	}
	m.log.Info("dialing", zap.String("url", m.url), zap.Bool("resume", cursor != ""), zap.Uint64("gen", gen))

	go func() {
		conn, err := m.transport.Dial(ctx, target, header)
		select {
		case m.dialCh <- dialResult{gen: gen, conn: conn, err: err}:
		case <-ctx.Done():
			if conn != nil {
				conn.Close("client shutting down")
			}
		}
	}()
	return nil
}

// onDial handles a dial result. Only an auth failure is returned.
func (m *connManager) onDial(ctx context.Context, res dialResult) error {
	if res.gen != m.gen || m.state != StateConnecting {
		if res.conn != nil {
			res.conn.Close("superseded")
		}
		return nil
	}
	if res.err != nil {
		var authErr *AuthError
		if errors.As(res.err, &authErr) {
			m.log.Warn("handshake rejected", zap.Int("status", authErr.Status))
			m.transition(StateDisconnected)
			return authErr
		}
		m.log.Warn("dial failed", zap.Error(res.err))
		m.scheduleReconnect(res.err)
		return nil
	}

	connCtx, cancel := context.WithCancel(ctx)
	m.conn = res.conn
	m.cancel = cancel
	m.authDeadline = m.now().Add(m.cfg.HeartbeatTimeout)
	m.pendingPing = ""
	m.transition(StateAuthenticating)
	go m.readLoop(connCtx, res.conn, res.gen)
	return nil
}

func (m *connManager) readLoop(ctx context.Context, conn Conn, gen uint64) {
	for {
		data, err := conn.Read(ctx)
		select {
		case m.inboundCh <- inboundFrame{gen: gen, data: data, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// onHello moves the session live. ok is false for a hello outside the
// handshake; gap reports that the server could not resume from the cursor
// we sent.
func (m *connManager) onHello(ev *ControlEvent) (gap, ok bool) {
	if m.state != StateAuthenticating {
		m.log.Warn("unexpected hello", zap.String("state", string(m.state)))
		return false, false
	}
	m.liveSince = m.now()
	m.lastPingAt = m.now()
	m.transition(StateLive)
	return !ev.Resumed && m.sentCursor != "", true
}

// drop closes the current connection and schedules a reconnect.
func (m *connManager) drop(cause error) {
	if m.conn == nil && m.state != StateAuthenticating && m.state != StateLive {
		return
	}
	m.log.Info("connection lost", zap.Error(cause))
	m.closeConn("reconnecting")
	m.scheduleReconnect(cause)
}

func (m *connManager) closeConn(reason string) {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.conn != nil {
		m.conn.Close(reason)
		m.conn = nil
	}
	m.gen++ // frames still in flight from the old reader are ignored
	m.pendingPing = ""
}

// scheduleReconnect arms the redial timer. Once a finite budget is spent the
// session parks in disconnected until resetRetries and connect are called.
func (m *connManager) scheduleReconnect(cause error) {
	now := m.now()
	if !m.liveSince.IsZero() && now.Sub(m.liveSince) >= stableSession {
		m.attempts = 0
	}
	m.liveSince = time.Time{}
	m.stopRedial()
	if limit := m.cfg.MaxReconnectAttempts; limit >= 0 && m.attempts >= limit {
		m.log.Warn("reconnect budget spent, waiting for Reconnect",
			zap.Int("attempts", m.attempts), zap.Error(cause))
		m.transition(StateDisconnected)
		return
	}
	m.attempts++
	delay := m.retry.delay(m.attempts)
	m.redial = time.NewTimer(delay)
	m.log.Info("reconnecting", zap.Int("attempt", m.attempts), zap.Duration("delay", delay))
	m.transition(StateReconnecting)
}

// parked reports whether the session gave up reconnecting on its own.
func (m *connManager) parked() bool {
	return m.state == StateDisconnected && m.redial == nil
}

// resetRetries forgets earlier failures and any pending redial.
func (m *connManager) resetRetries() {
	m.stopRedial()
	m.attempts = 0
	m.liveSince = time.Time{}
}

// redialC fires when a scheduled reconnect is due.
func (m *connManager) redialC() <-chan time.Time {
	if m.redial == nil {
		return nil
	}
	return m.redial.C
}

func (m *connManager) stopRedial() {
	if m.redial != nil {
		m.redial.Stop()
		m.redial = nil
	}
}

// tick enforces the hello deadline and drives the heartbeat.
func (m *connManager) tick(ctx context.Context) error {
	now := m.now()
	switch m.state {
	case StateAuthenticating:
		if now.After(m.authDeadline) {
			m.drop(&NetworkError{Op: "hello", Err: ErrTimeout})
		}
	case StateLive:
		if m.pendingPing != "" {
			if now.Sub(m.pingSentAt) >= m.cfg.HeartbeatTimeout {
				m.drop(&NetworkError{Op: "heartbeat", Err: ErrTimeout})
			}
			return nil
		}
		if now.Sub(m.lastPingAt) >= m.cfg.HeartbeatInterval {
			return m.ping(ctx)
		}
	}
	return nil
}

func (m *connManager) ping(ctx context.Context) error {
	m.pingSeq++
	id := fmt.Sprintf("ping-%d", m.pingSeq)
	data, err := encodePing(id)
	if err != nil {
		return err
	}
	m.pendingPing = id
	m.pingSentAt = m.now()
	m.lastPingAt = m.pingSentAt
	if err := m.write(ctx, data); err != nil {
		var netErr *NetworkError
		if errors.As(err, &netErr) {
			m.drop(err)
			return nil
		}
		return err
	}
	return nil
}

func (m *connManager) onPong(ev *ControlEvent) {
	if ev.ReplyTo != "" && string(ev.ReplyTo) == m.pendingPing {
		m.log.Debug("pong", zap.Duration("rtt", m.now().Sub(m.pingSentAt)))
		m.pendingPing = ""
	}
}

// write sends one frame on the live connection.
func (m *connManager) write(ctx context.Context, data []byte) error {
	if m.state != StateLive || m.conn == nil {
		return ErrNotConnected
	}
	wctx, cancel := context.WithTimeout(ctx, m.cfg.HeartbeatTimeout)
	defer cancel()
	if err := m.conn.Write(wctx, data); err != nil {
		return &NetworkError{Op: "write", Err: err}
	}
	return nil
}

// shutdown closes the session without reconnecting.
func (m *connManager) shutdown(reason string) {
	m.stopRedial()
	m.closeConn(reason)
	m.transition(StateDisconnected)
}

// checkTokenExpiry rejects a JWT whose exp claim has passed. Opaque tokens
// are left to the server.
func checkTokenExpiry(token string, now time.Time) error {
	if token == "" {
		return nil
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	if !exp.After(now) {
		return &AuthError{Code: "token_expired"}
	}
	return nil
}
