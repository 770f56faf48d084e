package cbsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client is a minimal Campus Barter HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// User is the API user model.
type User struct {
	ID              int64   `json:"id"`
	Name            string  `json:"name"`
	Email           string  `json:"email"`
	ReputationScore float64 `json:"reputation_score"`
	JoinDate        string  `json:"join_date"`
}

// Item is the API item model.
type Item struct {
	ID         int64    `json:"id"`
	UserID     int64    `json:"user_id"`
	Title      string   `json:"title"`
	Category   string   `json:"category"`
	Condition  string   `json:"condition,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	Status     string   `json:"status"`
	DateListed string   `json:"date_listed"`
}

// TradeItem binds an item to one side of a trade.
type TradeItem struct {
	ID     int64  `json:"id"`
	Role   string `json:"role"`
	ItemID int64  `json:"item_id"`
}

// Trade is the API trade model.
type Trade struct {
	ID             int64       `json:"id"`
	InitiatorID    int64       `json:"initiator_id"`
	RecipientID    int64       `json:"recipient_id"`
	Status         string      `json:"status"`
	Version        int64       `json:"version"`
	CreationDate   string      `json:"creation_date"`
	CompletionDate *string     `json:"completion_date,omitempty"`
	Items          []TradeItem `json:"items"`
	Messages       []Message   `json:"messages,omitempty"`
}

// Message is one entry in a trade thread.
type Message struct {
	ID        int64  `json:"id"`
	TradeID   int64  `json:"trade_id"`
	SenderID  int64  `json:"sender_id"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

// TokenResponse carries an auth token and the user it belongs to.
type TokenResponse struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Register creates an account and adopts the returned bearer token.
func (c *Client) Register(ctx context.Context, name, email, password string) (User, error) {
	var resp TokenResponse
	err := c.do(ctx, http.MethodPost, "api/auth/register", map[string]any{
		"name": name, "email": email, "password": password,
	}, &resp)
	if err == nil {
		c.BearerToken = resp.Token
	}
	return resp.User, err
}

// Login exchanges credentials for a bearer token and adopts it.
func (c *Client) Login(ctx context.Context, email, password string) (User, error) {
	var resp TokenResponse
	err := c.do(ctx, http.MethodPost, "api/auth/login", map[string]any{
		"email": email, "password": password,
	}, &resp)
	if err == nil {
		c.BearerToken = resp.Token
	}
	return resp.User, err
}

// CreateItem lists an item for barter.
func (c *Client) CreateItem(ctx context.Context, title, category string) (Item, error) {
	var resp Item
	err := c.do(ctx, http.MethodPost, "api/items", map[string]any{
		"title": title, "category": category,
	}, &resp)
	return resp, err
}

// ProposeTrade opens a pending trade.
func (c *Client) ProposeTrade(ctx context.Context, recipientID int64, offered, requested []int64, message string) (Trade, error) {
	body := map[string]any{
		"recipient_id":    recipientID,
		"offered_items":   offered,
		"requested_items": requested,
	}
	if message != "" {
		body["message"] = message
	}
	var resp Trade
	err := c.do(ctx, http.MethodPost, "api/trades", body, &resp)
	return resp, err
}

// Trades lists the caller's trades, optionally filtered by status.
func (c *Client) Trades(ctx context.Context, status string) ([]Trade, error) {
	endpoint := "api/trades"
	if status != "" {
		endpoint += "?status=" + status
	}
	var resp []Trade
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Trade fetches one trade with its items and messages.
func (c *Client) Trade(ctx context.Context, id int64) (Trade, error) {
	var resp Trade
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("api/trades/%d", id), nil, &resp)
	return resp, err
}

// UpdateTrade moves a trade to accepted, rejected or completed.
func (c *Client) UpdateTrade(ctx context.Context, id int64, status string) (Trade, error) {
	var resp Trade
	err := c.do(ctx, http.MethodPut, fmt.Sprintf("api/trades/%d", id), map[string]any{"status": status}, &resp)
	return resp, err
}

// PostMessage appends to a trade thread.
func (c *Client) PostMessage(ctx context.Context, tradeID int64, content string) (Message, error) {
	var resp Message
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("api/trades/%d/messages", tradeID), map[string]any{"content": content}, &resp)
	return resp, err
}

// Messages polls a trade thread; sinceID skips already-seen messages.
func (c *Client) Messages(ctx context.Context, tradeID, sinceID int64) ([]Message, error) {
	endpoint := fmt.Sprintf("api/trades/%d/messages", tradeID)
	if sinceID > 0 {
		endpoint = fmt.Sprintf("%s?since_id=%d", endpoint, sinceID)
	}
	var resp []Message
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
