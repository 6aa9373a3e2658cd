// Package wishwell provides the official Go SDK for the Wishwell social
// funding platform.
//
// The SDK has two halves: a REST client for the resource API (wishes,
// pledges, proofs, social graph, notifications) and an offline-resilience
// core that queues actions taken while disconnected, replays them in order
// on reconnect, and keeps a live notification feed over a streaming
// connection.
//
// Example:
//
//	client := wishwell.NewClient("ww-token-...")
//
//	// Direct REST access
//	wish, _ := client.Wishes.Create(ctx, &wishwell.CreateWishOptions{Title: "New bike", TargetAmount: 400})
//	client.Social.Follow(ctx, "user-123")
//
//	// Offline-aware core (see SyncCoordinator)
//	store, _ := wishwell.NewSQLiteStore("wishwell.db")
//	coord := wishwell.NewSyncCoordinator(client, store, nil)
//	coord.Start(ctx)
package wishwell

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://api.wishwell.app"
	DefaultTimeout = 15 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the Wishwell REST client. Sub-clients group the API surface by
// resource; all requests share one HTTP client and bearer credential.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client

	Wishes        *WishesClient
	Pledges       *PledgesClient
	Proofs        *ProofsClient
	Social        *SocialClient
	Notifications *NotificationsClient
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a new Wishwell client authenticated with a bearer token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.Wishes = &WishesClient{c: c}
	c.Pledges = &PledgesClient{c: c}
	c.Proofs = &ProofsClient{c: c}
	c.Social = &SocialClient{c: c}
	c.Notifications = &NotificationsClient{c: c}
	return c
}

// SetToken replaces the auth token, e.g. after a session refresh.
func (c *Client) SetToken(token string) { c.token = token }

// Token returns the current auth token.
func (c *Client) Token() string { return c.token }

// BaseURL returns the configured API origin.
func (c *Client) BaseURL() string { return c.baseURL }

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, header http.Header) ([]byte, int, error) {
	u := c.baseURL + path

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}
	return data, resp.StatusCode, nil
}

// do issues a request and decodes the standard envelope. The HTTP status is
// recorded on the result so replay executors can classify failures.
func (c *Client) do(ctx context.Context, method, path string, body interface{}, header http.Header) (*Result, error) {
	data, status, err := c.doRequest(ctx, method, path, body, header)
	if err != nil {
		return nil, err
	}
	var result Result
	if len(data) > 0 {
		if err := json.Unmarshal(data, &result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal response (HTTP %d): %w", status, err)
		}
	}
	result.Status = status
	if !result.OK && result.Error == nil {
		result.Error = &APIError{Code: fmt.Sprintf("HTTP_%d", status), Message: http.StatusText(status)}
	}
	return &result, nil
}

func idempotencyHeader(key string) http.Header {
	if key == "" {
		return nil
	}
	h := http.Header{}
	h.Set("Idempotency-Key", key)
	return h
}

func pageQuery(path string, opts *PaginationOptions) string {
	if opts == nil {
		return path
	}
	params := url.Values{}
	if opts.Limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", opts.Limit))
	}
	if opts.Offset > 0 {
		params.Set("offset", fmt.Sprintf("%d", opts.Offset))
	}
	if len(params) == 0 {
		return path
	}
	return path + "?" + params.Encode()
}

// ============================================================================
// Sub-Clients
// ============================================================================

// WishesClient handles funding goals.
type WishesClient struct{ c *Client }

func (w *WishesClient) Create(ctx context.Context, opts *CreateWishOptions) (*Result, error) {
	return w.c.do(ctx, "POST", "/wish", opts, nil)
}

func (w *WishesClient) Get(ctx context.Context, wishID string) (*Result, error) {
	return w.c.do(ctx, "GET", "/wish/"+wishID, nil, nil)
}

func (w *WishesClient) List(ctx context.Context, opts *PaginationOptions) (*Result, error) {
	return w.c.do(ctx, "GET", pageQuery("/wish", opts), nil, nil)
}

// PledgesClient handles pledges. Pledge creation is not naturally
// idempotent, so it always carries a client-generated idempotency key the
// server deduplicates on.
type PledgesClient struct{ c *Client }

func (p *PledgesClient) Create(ctx context.Context, wishID string, amount float64, idempotencyKey string) (*Result, error) {
	return p.c.do(ctx, "POST", "/wish/"+wishID+"/pledge",
		map[string]any{"amount": amount}, idempotencyHeader(idempotencyKey))
}

func (p *PledgesClient) ListForWish(ctx context.Context, wishID string) (*Result, error) {
	return p.c.do(ctx, "GET", "/wish/"+wishID+"/pledge", nil, nil)
}

// ProofsClient handles completion proofs and proof voting.
type ProofsClient struct{ c *Client }

func (p *ProofsClient) Submit(ctx context.Context, wishID, description, mediaURL string) (*Result, error) {
	return p.c.do(ctx, "POST", "/wish/"+wishID+"/proof",
		map[string]string{"description": description, "mediaUrl": mediaURL}, nil)
}

func (p *ProofsClient) Vote(ctx context.Context, proofID string, inFavor bool) (*Result, error) {
	return p.c.do(ctx, "PUT", "/proof/"+proofID+"/vote",
		map[string]bool{"inFavor": inFavor}, nil)
}

// SocialClient handles the follow graph. Follow and unfollow are naturally
// idempotent and safe for unconditional replay.
type SocialClient struct{ c *Client }

func (s *SocialClient) Follow(ctx context.Context, userID string) (*Result, error) {
	return s.c.do(ctx, "PUT", "/user/"+userID+"/follow", nil, nil)
}

func (s *SocialClient) Unfollow(ctx context.Context, userID string) (*Result, error) {
	return s.c.do(ctx, "DELETE", "/user/"+userID+"/follow", nil, nil)
}

func (s *SocialClient) Followers(ctx context.Context, userID string, opts *PaginationOptions) (*Result, error) {
	return s.c.do(ctx, "GET", pageQuery("/user/"+userID+"/followers", opts), nil, nil)
}

// NotificationsClient handles the notification feed. All mutations are
// idempotent and eligible for offline queue fallback.
type NotificationsClient struct{ c *Client }

func (n *NotificationsClient) List(ctx context.Context, opts *PaginationOptions) (*Result, error) {
	return n.c.do(ctx, "GET", pageQuery("/notification", opts), nil, nil)
}

func (n *NotificationsClient) MarkRead(ctx context.Context, notificationID string) (*Result, error) {
	return n.c.do(ctx, "PUT", "/notification/"+notificationID+"/read", nil, nil)
}

func (n *NotificationsClient) MarkAllRead(ctx context.Context) (*Result, error) {
	return n.c.do(ctx, "PUT", "/notification/mark-all-read", nil, nil)
}

func (n *NotificationsClient) Delete(ctx context.Context, notificationID string) (*Result, error) {
	return n.c.do(ctx, "DELETE", "/notification/"+notificationID, nil, nil)
}
