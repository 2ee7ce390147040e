package rtm

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"nhooyr.io/websocket"
)

// Conn is one established stream connection.
type Conn interface {
	// Read blocks until the next frame arrives.
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(reason string) error
}

// Transport opens stream connections.
type Transport interface {
	// Dial connects to rawURL. A rejected handshake returns *AuthError; any
	// other failure should be a *NetworkError.
	Dial(ctx context.Context, rawURL string, header http.Header) (Conn, error)
}

// maxFrameSize bounds a single inbound frame.
const maxFrameSize = 1 << 20

// WebSocketTransport dials the RTM endpoint over WebSocket.
type WebSocketTransport struct {
	HTTPClient *http.Client
}

// Dial implements Transport.
func (t *WebSocketTransport) Dial(ctx context.Context, rawURL string, header http.Header) (Conn, error) {
	conn, resp, err := websocket.Dial(ctx, rawURL, &websocket.DialOptions{
		HTTPClient: t.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &AuthError{Code: "handshake_rejected", Status: resp.StatusCode}
		}
		return nil, &NetworkError{Op: "dial", Err: err}
	}
	conn.SetReadLimit(maxFrameSize)
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			return nil, err
		}
		if typ == websocket.MessageText {
			return data, nil
		}
		// binary frames are not part of the protocol
	}
}

func (c *wsConn) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) Close(reason string) error {
	return c.conn.Close(websocket.StatusNormalClosure, reason)
}

// streamURL converts an http(s) base to ws(s) and attaches the resume cursor.
func streamURL(base, cursor string) (string, error) {
	base = strings.Replace(base, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse stream url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("stream url must be ws(s) or http(s), got %q", u.Scheme)
	}
	if cursor != "" {
		q := u.Query()
		q.Set("cursor", cursor)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
