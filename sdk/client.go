package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/cloudwego/hertz/pkg/app/client"
	"github.com/cloudwego/hertz/pkg/protocol"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
)

// Client is the SDK client for the marketplace chat REST API
type Client struct {
	baseURL    string
	httpClient *client.Client
	token      string
}

// ClientOption is a function to configure the client
type ClientOption func(*Client)

// WithHertzClient sets a custom Hertz client
func WithHertzClient(httpClient *client.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithToken sets the authentication token
func WithToken(token string) ClientOption {
	return func(c *Client) {
		c.token = token
	}
}

// Timeouts configures the default Hertz client
type Timeouts struct {
	Dial  time.Duration
	Read  time.Duration
	Write time.Duration
}

// DefaultTimeouts are used when NewClient is not given a Hertz client
var DefaultTimeouts = Timeouts{
	Dial:  10 * time.Second,
	Read:  30 * time.Second,
	Write: 30 * time.Second,
}

// NewHertzClient builds a Hertz client with the given timeouts
func NewHertzClient(t Timeouts) (*client.Client, error) {
	httpClient, err := client.NewClient(
		client.WithDialTimeout(t.Dial),
		client.WithClientReadTimeout(t.Read),
		client.WithWriteTimeout(t.Write),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http client: %w", err)
	}
	return httpClient, nil
}

// NewClient creates a new SDK client
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		baseURL: baseURL,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient == nil {
		httpClient, err := NewHertzClient(DefaultTimeouts)
		if err != nil {
			return nil, err
		}
		c.httpClient = httpClient
	}

	return c, nil
}

// request makes an HTTP request and decodes the JSON response into result.
// It returns found=false when the server answered 2xx with an empty or null body.
func (c *Client) request(ctx context.Context, method, path string, params map[string]string, body interface{}, result interface{}) (found bool, err error) {
	reqURL := c.baseURL + path
	if len(params) > 0 {
		query := url.Values{}
		for k, v := range params {
			query.Set(k, v)
		}
		reqURL += "?" + query.Encode()
	}

	req := &protocol.Request{}
	resp := &protocol.Response{}

	req.SetMethod(method)
	req.SetRequestURI(reqURL)
	req.Header.Set("Accept", "application/json")

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return false, fmt.Errorf("failed to marshal request body: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.SetBody(jsonBody)
	}

	if err := c.httpClient.Do(ctx, req, resp); err != nil {
		return false, fmt.Errorf("failed to send request: %w", err)
	}

	status := resp.StatusCode()
	respBody := bytes.TrimSpace(resp.Body())
	if status < consts.StatusOK || status >= consts.StatusMultipleChoices {
		return false, newStatusError(status, respBody)
	}

	if len(respBody) == 0 || bytes.Equal(respBody, []byte("null")) {
		return false, nil
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return false, fmt.Errorf("failed to decode response: %w", err)
		}
	}

	return true, nil
}

// get makes a GET request with query parameters
func (c *Client) get(ctx context.Context, path string, params map[string]string, result interface{}) (bool, error) {
	return c.request(ctx, consts.MethodGet, path, params, nil, result)
}

// post makes a POST request
func (c *Client) post(ctx context.Context, path string, body interface{}, result interface{}) error {
	_, err := c.request(ctx, consts.MethodPost, path, nil, body, result)
	return err
}

// patch makes a PATCH request
func (c *Client) patch(ctx context.Context, path string, body interface{}, result interface{}) error {
	_, err := c.request(ctx, consts.MethodPatch, path, nil, body, result)
	return err
}
