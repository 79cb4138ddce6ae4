// Package rest implements the REST fallback used when no socket is open:
// message send, history fetch, and the credential refresh endpoint. Every
// request except refresh carries a bearer token from the coordinator, and
// a 401 response invalidates the cached token before failing.
package rest

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
	"time"

	"golang.org/x/oauth2"

	"github.com/windrose-im/windrose/internal/creds"
	"github.com/windrose-im/windrose/internal/observability"
	"github.com/windrose-im/windrose/internal/retry"
	"github.com/windrose-im/windrose/pkg/models"
)

// ErrUnauthorized is returned when the API rejects the bearer token even
// after invalidation gave the coordinator a chance to renew it.
var ErrUnauthorized = errors.New("unauthorized")

// TokenSource supplies bearer credentials and accepts 401 feedback.
// Implemented by *creds.Coordinator.
type TokenSource interface {
	OAuthToken(ctx context.Context) (*oauth2.Token, error)
	Invalidate()
}

// Client is the REST API client.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
	logger  *observability.Logger
}

// NewClient creates a REST client for the given API root.
func NewClient(baseURL string, tokens TokenSource, logger *observability.Logger) *Client {
	if logger == nil {
		logger = observability.Nop()
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
		tokens:  tokens,
		logger:  logger,
	}
}

// refreshRequest and refreshResponse mirror the auth service wire format.
type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Refresh redeems the refresh token for a new pair. It deliberately does
// not retry: a rejected refresh token cannot succeed on a second attempt.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (creds.Credential, error) {
	body, err := json.Marshal(refreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return creds.Credential{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/refresh", bytes.NewReader(body))
	if err != nil {
		return creds.Credential{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return creds.Credential{}, fmt.Errorf("refresh request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return creds.Credential{}, fmt.Errorf("refresh rejected: HTTP %d", resp.StatusCode)
	}

	var out refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return creds.Credential{}, fmt.Errorf("decode refresh response: %w", err)
	}
	if out.AccessToken == "" || out.RefreshToken == "" {
		return creds.Credential{}, errors.New("refresh response missing tokens")
	}
	return creds.Credential{Access: out.AccessToken, Refresh: out.RefreshToken}, nil
}

// sendMessageRequest is the REST send body; LocalID makes replays
// idempotent at the server.
type sendMessageRequest struct {
	LocalID     string              `json:"local_id"`
	Content     string              `json:"content"`
	ReplyTo     string              `json:"reply_to,omitempty"`
	Attachments []models.Attachment `json:"attachments,omitempty"`
}

// SendMessage delivers a queued message over REST. A 2xx response and a
// 409 (localId already processed) both count as delivered; the 409 is the
// server deduplicating a replay whose original ack was lost.
func (c *Client) SendMessage(ctx context.Context, msg models.QueuedMessage) error {
	body, err := json.Marshal(sendMessageRequest{
		LocalID:     msg.LocalID,
		Content:     msg.Content,
		ReplyTo:     msg.ReplyTo,
		Attachments: msg.Attachments,
	})
	if err != nil {
		return retry.Permanent(err)
	}

	endpoint := fmt.Sprintf("%s/conversations/%s/messages", c.baseURL, url.PathEscape(msg.ConversationID))
	resp, err := c.do(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusConflict:
		c.logger.Debug(ctx, "message already processed by server", "local_id", msg.LocalID)
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		c.tokens.Invalidate()
		return ErrUnauthorized
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return retry.Permanent(fmt.Errorf("send rejected: HTTP %d", resp.StatusCode))
	default:
		return fmt.Errorf("send failed: HTTP %d", resp.StatusCode)
	}
}

// FetchMessages loads recent history for a conversation, retrying
// transient failures.
func (c *Client) FetchMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	endpoint := fmt.Sprintf("%s/conversations/%s/messages?limit=%s",
		c.baseURL, url.PathEscape(conversationID), strconv.Itoa(limit))

	var out struct {
		Messages []models.Message `json:"messages"`
	}

	result := retry.Do(ctx, retry.DefaultConfig(), func() error {
		resp, err := c.do(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			return json.NewDecoder(resp.Body).Decode(&out)
		case resp.StatusCode == http.StatusUnauthorized:
			c.tokens.Invalidate()
			return retry.Permanent(ErrUnauthorized)
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			io.Copy(io.Discard, resp.Body)
			return retry.Permanent(fmt.Errorf("history fetch rejected: HTTP %d", resp.StatusCode))
		default:
			io.Copy(io.Discard, resp.Body)
			return fmt.Errorf("history fetch failed: HTTP %d", resp.StatusCode)
		}
	})
	if result.Err != nil {
		return nil, result.Err
	}
	return out.Messages, nil
}

// do issues an authenticated request.
func (c *Client) do(ctx context.Context, method, endpoint string, body []byte) (*http.Response, error) {
	tok, err := c.tokens.OAuthToken(ctx)
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, err
	}
	tok.SetAuthHeader(req)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	return resp, nil
}
