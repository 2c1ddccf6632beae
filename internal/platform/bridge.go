package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// BridgeClient implements Client against an HTTP bridge that owns the
// platform session. Error responses carry the platform RPC error name in
// {"error": "..."}; 429 responses may carry Retry-After instead.
type BridgeClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewBridgeClient creates a bridge client. timeout <= 0 means 30s.
func NewBridgeClient(baseURL, token string, timeout time.Duration) (*BridgeClient, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("invalid bridge URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported bridge URL scheme: %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("bridge URL has no host")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &BridgeClient{
		baseURL:    u.Scheme + "://" + u.Host + strings.TrimRight(u.Path, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

type dialogsResponse struct {
	IDs []string `json:"ids"`
}

// VisibleChannelIDs implements Client.
func (c *BridgeClient) VisibleChannelIDs(ctx context.Context, limit int) ([]string, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp dialogsResponse
	if err := c.do(ctx, http.MethodGet, "/dialogs", q, nil, &resp); err != nil {
		return nil, fmt.Errorf("list dialogs: %w", err)
	}
	return resp.IDs, nil
}

// ChannelMetadata implements Client.
func (c *BridgeClient) ChannelMetadata(ctx context.Context, channelID string) (ChannelMetadata, error) {
	var meta ChannelMetadata
	path := "/channels/" + url.PathEscape(FullChannelID(channelID))
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &meta); err != nil {
		return ChannelMetadata{}, fmt.Errorf("channel metadata %s: %w", channelID, err)
	}
	meta.ID = NormalizeChannelID(meta.ID)
	if meta.ID == "" {
		meta.ID = NormalizeChannelID(channelID)
	}
	if meta.Visibility == "" {
		meta.Visibility = VisibilityPrivate
		if meta.Handle != "" {
			meta.Visibility = VisibilityPublic
		}
	}
	return meta, nil
}

// MessageSnapshot implements Client.
func (c *BridgeClient) MessageSnapshot(ctx context.Context, channelID, messageID string) (MessageSnapshot, error) {
	var snap MessageSnapshot
	path := "/channels/" + url.PathEscape(FullChannelID(channelID)) + "/messages/" + url.PathEscape(NormalizeMessageID(messageID))
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &snap); err != nil {
		return MessageSnapshot{}, fmt.Errorf("message snapshot %s/%s: %w", channelID, messageID, err)
	}
	return snap, nil
}

type sendRequest struct {
	Peer string `json:"peer"`
	Text string `json:"text"`
}

// SendMessage implements Client.
func (c *BridgeClient) SendMessage(ctx context.Context, destination, text string) error {
	body, err := json.Marshal(sendRequest{Peer: destination, Text: text})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := c.do(ctx, http.MethodPost, "/messages", nil, body, nil); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

type errorResponse struct {
	Error string `json:"error"`
}

func (c *BridgeClient) do(ctx context.Context, method, path string, query url.Values, body []byte, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return responseError(resp, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func responseError(resp *http.Response, data []byte) error {
	var er errorResponse
	_ = json.Unmarshal(data, &er)
	if er.Error != "" {
		return ParseRPCError(er.Error)
	}
	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		secs, _ := strconv.Atoi(resp.Header.Get("Retry-After"))
		return &FloodWaitError{Wait: time.Duration(secs) * time.Second}
	case http.StatusNotFound:
		return ErrMessageNotFound
	case http.StatusForbidden:
		return ErrChannelPrivate
	}
	return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
}
