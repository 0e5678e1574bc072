// Package telegram is a thin client for the messaging platform's Bot API.
// Tokens are passed per call because every tenant has its own worker bot.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/wisbric/groupowl/internal/extapi"
)

const service = "telegram"

// DefaultBaseURL is the public Bot API endpoint.
const DefaultBaseURL = "https://api.telegram.org"

// User is the identity returned by getMe.
type User struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name"`
	Username  string `json:"username"`
}

// apiResponse is the envelope every Bot API method answers with.
type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// Client calls the Bot API.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a Client. An empty baseURL selects DefaultBaseURL and a nil
// httpClient the extapi default.
func New(baseURL string, httpClient *http.Client) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = extapi.NewHTTPClient()
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// GetMe validates token and returns the bot's identity.
func (c *Client) GetMe(ctx context.Context, token string) (*User, error) {
	var u User
	if err := c.call(ctx, token, "getMe", nil, &u); err != nil {
		return nil, err
	}
	if !u.IsBot {
		return nil, fmt.Errorf("token does not belong to a bot account")
	}
	return &u, nil
}

// SendMessage posts text to a chat.
func (c *Client) SendMessage(ctx context.Context, token, chatID, text string) error {
	body := map[string]any{
		"chat_id":                  chatID,
		"text":                     text,
		"disable_web_page_preview": true,
	}
	return c.call(ctx, token, "sendMessage", body, nil)
}

func (c *Client) call(ctx context.Context, token, method string, body, out any) error {
	if token == "" {
		return fmt.Errorf("telegram %s: empty bot token", method)
	}

	httpMethod := http.MethodGet
	if body != nil {
		httpMethod = http.MethodPost
	}

	var resp apiResponse
	err := extapi.Do(ctx, c.http, extapi.Request{
		Service: service,
		Method:  httpMethod,
		URL:     c.baseURL + "/bot" + token + "/" + method,
		Body:    body,
	}, &resp)
	if err != nil {
		return describe(method, err)
	}
	if !resp.OK {
		return &extapi.StatusError{
			Service:    service,
			StatusCode: resp.ErrorCode,
			Body:       resp.Description,
			RetryAfter: time.Duration(resp.Parameters.RetryAfter) * time.Second,
		}
	}
	if out == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("decoding telegram %s result: %w", method, err)
	}
	return nil
}

// describe rewrites errors so the bot token embedded in the request URL
// never reaches logs, and lifts the Bot API retry_after hint.
func describe(method string, err error) error {
	if se, ok := extapi.AsStatusError(err); ok {
		var resp apiResponse
		if json.Unmarshal([]byte(se.Body), &resp) == nil {
			if resp.Description != "" {
				se.Body = resp.Description
			}
			if resp.Parameters.RetryAfter > 0 {
				se.RetryAfter = time.Duration(resp.Parameters.RetryAfter) * time.Second
			}
		}
		return se
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		return fmt.Errorf("calling telegram %s: %w", method, ue.Err)
	}
	return err
}
