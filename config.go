package rtm

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// Configuration
// ============================================================================

// Config configures a Client. Zero durations and counts take the defaults
// listed on each field.
type Config struct {
	// URL is the RTM WebSocket endpoint, e.g. "wss://rtm.example.com/ws".
	URL string
	// Token authenticates the session; sent as a bearer token.
	Token string
	// SelfUserID is the local user. Typing events from this user are ignored
	// and local messages are authored by it.
	SelfUserID string
	// APIURL is the Web API base used to resync chats after a stream gap.
	// Resync is skipped when empty.
	APIURL string

	Transport  Transport    // default: WebSocketTransport
	HTTPClient *http.Client // default: http.DefaultClient
	Logger     *zap.Logger  // default: zap.NewNop()
	Resyncer   Resyncer     // default: WebAPI on APIURL when set

	HeartbeatInterval time.Duration // default 25s
	HeartbeatTimeout  time.Duration // default 10s; also bounds the wait for hello

	// MaxReconnectAttempts bounds consecutive reconnects. When it is spent the
	// session stays disconnected until Client.Reconnect. Default unlimited.
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration // default 1s
	ReconnectMaxDelay    time.Duration // default 30s

	AckTimeout            time.Duration // default 10s
	CommandMaxRetries     int           // default 3; negative means no retries
	CommandRetryBaseDelay time.Duration // default 1s, doubled per retry
	CommandRetryMaxDelay  time.Duration // default 30s

	TypingTimeout  time.Duration // default 5s
	TypingThrottle time.Duration // default 3s

	// TickInterval is the granularity of timeout and retry checks.
	TickInterval time.Duration // default 250ms
}

func (c *Config) defaults() {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = 10 * time.Second
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = -1
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = 10 * time.Second
	}
	if c.CommandMaxRetries == 0 {
		c.CommandMaxRetries = 3
	} else if c.CommandMaxRetries < 0 {
		c.CommandMaxRetries = 0
	}
	if c.CommandRetryBaseDelay == 0 {
		c.CommandRetryBaseDelay = 1 * time.Second
	}
	if c.CommandRetryMaxDelay == 0 {
		c.CommandRetryMaxDelay = 30 * time.Second
	}
	if c.TypingTimeout == 0 {
		c.TypingTimeout = 5 * time.Second
	}
	if c.TypingThrottle == 0 {
		c.TypingThrottle = 3 * time.Second
	}
	if c.TickInterval == 0 {
		c.TickInterval = 250 * time.Millisecond
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Transport == nil {
		c.Transport = &WebSocketTransport{HTTPClient: c.HTTPClient}
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Resyncer == nil && c.APIURL != "" {
		c.Resyncer = NewWebAPI(c.APIURL, c.Token, c.HTTPClient)
	}
}
