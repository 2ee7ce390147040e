package rtm

import (
	"errors"
	"fmt"
)

// ============================================================================
// Sentinel errors
// ============================================================================

var (
	// ErrClosed is returned by Client methods once Run has exited.
	ErrClosed = errors.New("rtm: client closed")
	// ErrNotConnected is returned when a frame is written without a live session.
	ErrNotConnected = errors.New("rtm: not connected")
	// ErrTimeout marks heartbeat and acknowledgement timeouts.
	ErrTimeout = errors.New("rtm: timeout")
	// ErrUnknownMessage is returned by Retry for ids the store does not hold.
	ErrUnknownMessage = errors.New("rtm: unknown message")
	// ErrNoSnapshot is returned by SnapshotStore.Load when nothing was saved.
	ErrNoSnapshot = errors.New("rtm: no snapshot")
)

// ============================================================================
// Typed errors
// ============================================================================

// AuthError reports rejected credentials. It is fatal for the session: the
// user has to re-authenticate before Run is called again.
type AuthError struct {
	Code   string
	Status int
}

func (e *AuthError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("rtm: auth rejected (%s, HTTP %d)", e.Code, e.Status)
	}
	return "rtm: auth rejected (" + e.Code + ")"
}

// NetworkError reports a recoverable transport failure.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return "rtm: " + e.Op + ": " + e.Err.Error()
}

func (e *NetworkError) Unwrap() error { return e.Err }

// DecodeError reports a malformed inbound frame. The frame is dropped.
type DecodeError struct {
	Reason string
	Raw    []byte
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return "rtm: decode: " + e.Reason + ": " + e.Err.Error()
	}
	return "rtm: decode: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

// CommandFailure is reported for a command whose retries are exhausted or
// that the server rejected permanently.
type CommandFailure struct {
	CorrelationID string
	Command       Command
	MessageID     string // temp id of the failed message, sends only
	Attempts      int
	Err           error
}

func (e *CommandFailure) Error() string {
	return fmt.Sprintf("rtm: %s %s failed after %d attempt(s): %v",
		e.Command.Kind(), e.CorrelationID, e.Attempts, e.Err)
}

func (e *CommandFailure) Unwrap() error { return e.Err }

// APIError is an error payload returned by the server, either inside an ack
// frame or a Web API response.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"msg,omitempty"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// Server error codes that reject the credentials themselves.
var authErrorCodes = map[string]bool{
	"invalid_auth":     true,
	"not_authed":       true,
	"account_inactive": true,
	"token_revoked":    true,
	"token_expired":    true,
}

// Server error codes worth another attempt.
var retryableErrorCodes = map[string]bool{
	"rate_limited":        true,
	"ratelimited":         true,
	"timeout":             true,
	"internal_error":      true,
	"service_unavailable": true,
}

func isAuthCode(code string) bool { return authErrorCodes[code] }

func isRetryableCode(code string) bool { return retryableErrorCodes[code] }
