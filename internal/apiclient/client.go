// Package apiclient talks to a running analyzer server over its JSON API.
package apiclient

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-resty/resty/v2"

	"github.com/raine/gemini-image-analyzer/internal/analysis"
)

const DefaultBaseURL = "http://localhost:8080"

type ClientOpts struct {
	BaseURL string
	Timeout time.Duration
}

// Client keeps the session cookie between calls, so one Client is one
// browser session on the server.
type Client struct {
	httpClient *resty.Client
	baseURL    string
}

// Image describes the selected image as reported by the server.
type Image struct {
	Name       string `json:"name"`
	MIMEType   string `json:"mimeType"`
	Size       int    `json:"size"`
	PreviewURL string `json:"previewUrl"`
}

// State is the session view returned by the API.
type State struct {
	analysis.State
	Image  *Image `json:"image,omitempty"`
	Prompt string `json:"prompt"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("request failed (status: %d): %s", e.StatusCode, e.Message)
}

func NewClient(opts ClientOpts) *Client {
	c := Client{baseURL: DefaultBaseURL}
	if opts.BaseURL != "" {
		c.baseURL = opts.BaseURL
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	// resty keeps a cookie jar per client
	c.httpClient = resty.New().
		SetDebug(false).
		SetBaseURL(c.baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")

	return &c
}

func (c *Client) req(ctx context.Context, result any) *resty.Request {
	request := c.httpClient.
		NewRequest().
		SetContext(ctx).
		SetError(&errorResponse{})

	if result != nil {
		request.SetResult(result)
	}

	return request
}

// SelectImage uploads data as the session's selected image.
func (c *Client) SelectImage(ctx context.Context, name string, data []byte) (*State, error) {
	result := &State{}
	_, err := handleError(c.req(ctx, result).
		SetMultipartField("image", name, mimetype.Detect(data).String(), bytes.NewReader(data)).
		Post("/api/image"))
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ClearImage drops the selected image.
func (c *Client) ClearImage(ctx context.Context) (*State, error) {
	result := &State{}
	if _, err := handleError(c.req(ctx, result).Delete("/api/image")); err != nil {
		return nil, err
	}
	return result, nil
}

// Analyze starts an analysis of the selected image. An empty prompt uses
// the server's default.
func (c *Client) Analyze(ctx context.Context, prompt string) (*State, error) {
	result := &State{}
	_, err := handleError(c.req(ctx, result).
		SetBody(map[string]string{"prompt": prompt}).
		Post("/api/analyze"))
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Client) State(ctx context.Context) (*State, error) {
	result := &State{}
	if _, err := handleError(c.req(ctx, result).Get("/api/state")); err != nil {
		return nil, err
	}
	return result, nil
}

// WaitSettled polls the state until no analysis is running.
func (c *Client) WaitSettled(ctx context.Context, interval time.Duration) (*State, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		st, err := c.State(ctx)
		if err != nil {
			return nil, err
		}
		if st.Status != analysis.StatusAnalyzing {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-ticker.C:
		}
	}
}

// handleError turns failing responses (>399 status code) into errors.
// Without this, failing responses would have nil error.
func handleError(res *resty.Response, err error) (*resty.Response, error) {
	if err != nil {
		return res, err
	}
	if res.IsError() {
		msg := res.Status()
		if e, ok := res.Error().(*errorResponse); ok && e.Error != "" {
			msg = e.Error
		}
		return res, &APIError{StatusCode: res.StatusCode(), Message: msg}
	}

	return res, nil
}
