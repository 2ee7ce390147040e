package rtm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// ============================================================================
// Web API
// ============================================================================

// Resyncer fetches the server's current view of a chat.
type Resyncer interface {
	Resync(ctx context.Context, chatID string) (ChatState, []Message, error)
}

// WebAPI is a minimal client for the HTTP API used to refresh chats after a
// stream gap.
type WebAPI struct {
	baseURL    string
	token      string
	httpClient *http.Client
	// HistoryLimit is the number of recent messages fetched per chat.
	HistoryLimit int
}

// NewWebAPI creates a client for baseURL, e.g. "https://api.example.com/api".
func NewWebAPI(baseURL, token string, httpClient *http.Client) *WebAPI {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &WebAPI{
		baseURL:      strings.TrimRight(baseURL, "/"),
		token:        token,
		httpClient:   httpClient,
		HistoryLimit: 50,
	}
}

// apiResponse is the envelope shared by every method.
type apiResponse struct {
	OK    bool      `json:"ok"`
	Error *APIError `json:"error,omitempty"`
}

func (r apiResponse) err(method string) error {
	if r.OK {
		return nil
	}
	if r.Error == nil {
		return fmt.Errorf("rtm: %s: request failed", method)
	}
	if isAuthCode(r.Error.Code) {
		return &AuthError{Code: r.Error.Code}
	}
	return fmt.Errorf("rtm: %s: %w", method, r.Error)
}

func (a *WebAPI) doRequest(ctx context.Context, method string, query map[string]string) ([]byte, error) {
	u := a.baseURL + "/" + method
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: method, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, &AuthError{Code: "http_unauthorized", Status: resp.StatusCode}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Op: method, Err: err}
	}
	if resp.StatusCode >= 500 {
		return nil, &NetworkError{Op: method, Err: fmt.Errorf("HTTP %d", resp.StatusCode)}
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ── conversations.info ───────────────────────────────────

type conversationInfo struct {
	apiResponse
	Channel struct {
		ID          string `json:"id"`
		LastRead    string `json:"last_read"`
		UnreadCount int    `json:"unread_count_display"`
		DMCount     int    `json:"dm_count"`
	} `json:"channel"`
}

// ConversationInfo returns the server's counters and read marker for a chat.
func (a *WebAPI) ConversationInfo(ctx context.Context, chatID string) (ChatState, error) {
	data, err := a.doRequest(ctx, "conversations.info", map[string]string{"channel": chatID})
	if err != nil {
		return ChatState{}, err
	}
	info, err := decodeJSON[conversationInfo](data)
	if err != nil {
		return ChatState{}, err
	}
	if err := info.err("conversations.info"); err != nil {
		return ChatState{}, err
	}
	return ChatState{
		UnreadCount: info.Channel.UnreadCount,
		DMCount:     info.Channel.DMCount,
		LastRead:    info.Channel.LastRead,
	}, nil
}

// ── conversations.history ────────────────────────────────

type conversationHistory struct {
	apiResponse
	Messages []struct {
		User        string `json:"user"`
		Text        string `json:"text"`
		TS          string `json:"ts"`
		ThreadTS    string `json:"thread_ts,omitempty"`
		ClientMsgID string `json:"client_msg_id,omitempty"`
	} `json:"messages"`
}

// History returns the most recent confirmed messages of a chat in server order.
func (a *WebAPI) History(ctx context.Context, chatID string) ([]Message, error) {
	query := map[string]string{"channel": chatID}
	if a.HistoryLimit > 0 {
		query["limit"] = strconv.Itoa(a.HistoryLimit)
	}
	data, err := a.doRequest(ctx, "conversations.history", query)
	if err != nil {
		return nil, err
	}
	hist, err := decodeJSON[conversationHistory](data)
	if err != nil {
		return nil, err
	}
	if err := hist.err("conversations.history"); err != nil {
		return nil, err
	}
	msgs := make([]Message, 0, len(hist.Messages))
	for _, m := range hist.Messages {
		if m.TS == "" {
			continue
		}
		msgs = append(msgs, Message{
			ID:            m.TS,
			ChatID:        chatID,
			Author:        m.User,
			Text:          m.Text,
			ThreadTS:      m.ThreadTS,
			SentAt:        parseTS(m.TS),
			DeliveryState: DeliverySent,
			ClientMsgID:   m.ClientMsgID,
		})
	}
	return msgs, nil
}

// Resync implements Resyncer.
func (a *WebAPI) Resync(ctx context.Context, chatID string) (ChatState, []Message, error) {
	state, err := a.ConversationInfo(ctx, chatID)
	if err != nil {
		return ChatState{}, nil, err
	}
	msgs, err := a.History(ctx, chatID)
	if err != nil {
		return ChatState{}, nil, err
	}
	return state, msgs, nil
}
