// Package client provides a typed Go client for the multisigner HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/signtusk/multisigner/pkg/contracts"
	"github.com/signtusk/multisigner/pkg/mfa"
	"github.com/signtusk/multisigner/pkg/verify"
	"github.com/signtusk/multisigner/pkg/workflow"
)

// APIError is returned when the API responds with a non-2xx status. It
// carries the problem document fields the server sets.
type APIError struct {
	Status          int                       `json:"status"`
	Title           string                    `json:"title"`
	Detail          string                    `json:"detail"`
	Type            string                    `json:"type"`
	MFAReason       string                    `json:"mfa_reason,omitempty"`
	Reason          string                    `json:"reason,omitempty"`
	BlockingSigners []workflow.BlockingSigner `json:"blocking_signers,omitempty"`
}

func (e *APIError) Error() string {
	if e.MFAReason != "" {
		return fmt.Sprintf("multisigner api %d: %s (%s)", e.Status, e.Detail, e.MFAReason)
	}
	return fmt.Sprintf("multisigner api %d: %s", e.Status, e.Detail)
}

// Client is a typed client for the multisigner API.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// New creates a new Client.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL: baseURL,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Option configures the client.
type Option func(*Client)

// WithToken sets the bearer token.
func WithToken(token string) Option {
	return func(c *Client) { c.Token = token }
}

// WithTimeout sets the HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.HTTPClient.Timeout = d }
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{}
		if err := json.NewDecoder(resp.Body).Decode(apiErr); err != nil {
			apiErr.Detail = "unknown error"
		}
		apiErr.Status = resp.StatusCode
		return apiErr
	}

	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func requestPath(id string, suffix string) string {
	return "/api/v1/requests/" + url.PathEscape(id) + suffix
}

// CreateRequest calls POST /api/v1/requests.
func (c *Client) CreateRequest(ctx context.Context, in workflow.InitiateInput) (*contracts.SigningRequest, error) {
	var out contracts.SigningRequest
	err := c.do(ctx, http.MethodPost, "/api/v1/requests", in, &out)
	return &out, err
}

// GetRequest calls GET /api/v1/requests/{id}.
func (c *Client) GetRequest(ctx context.Context, id string) (*workflow.RequestView, error) {
	var out workflow.RequestView
	err := c.do(ctx, http.MethodGet, requestPath(id, ""), nil, &out)
	return &out, err
}

// CanSign calls GET /api/v1/requests/{id}/can-sign.
func (c *Client) CanSign(ctx context.Context, id string) (*workflow.Permission, error) {
	var out workflow.Permission
	err := c.do(ctx, http.MethodGet, requestPath(id, "/can-sign"), nil, &out)
	return &out, err
}

// View calls POST /api/v1/requests/{id}/view.
func (c *Client) View(ctx context.Context, id string) (*workflow.Progress, error) {
	var out workflow.Progress
	err := c.do(ctx, http.MethodPost, requestPath(id, "/view"), nil, &out)
	return &out, err
}

// SignResult is the body of a successful sign call.
type SignResult struct {
	workflow.SubmitResult
	Notice string `json:"notice,omitempty"`
}

// Sign calls POST /api/v1/requests/{id}/sign. Order violations and rejected
// codes come back as *APIError.
func (c *Client) Sign(ctx context.Context, id, code string, signature []byte) (*SignResult, error) {
	var out SignResult
	err := c.do(ctx, http.MethodPost, requestPath(id, "/sign"), map[string]any{
		"code":      code,
		"signature": signature,
	}, &out)
	return &out, err
}

// Decline calls POST /api/v1/requests/{id}/decline.
func (c *Client) Decline(ctx context.Context, id, reason string) error {
	return c.do(ctx, http.MethodPost, requestPath(id, "/decline"), map[string]string{"reason": reason}, nil)
}

// EnrollMFA calls POST /api/v1/mfa/enroll.
func (c *Client) EnrollMFA(ctx context.Context) (*mfa.Enrollment, error) {
	var out mfa.Enrollment
	err := c.do(ctx, http.MethodPost, "/api/v1/mfa/enroll", nil, &out)
	return &out, err
}

// EnableMFA calls POST /api/v1/mfa/enable for signing.
func (c *Client) EnableMFA(ctx context.Context, code string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/mfa/enable", map[string]string{"code": code}, nil)
}

// Verify calls the public GET /verify/{id}. No token is needed.
func (c *Client) Verify(ctx context.Context, id string) (*verify.Result, error) {
	var out verify.Result
	err := c.do(ctx, http.MethodGet, "/verify/"+url.PathEscape(id), nil, &out)
	return &out, err
}

// Health calls GET /health.
func (c *Client) Health(ctx context.Context) (map[string]string, error) {
	var out map[string]string
	err := c.do(ctx, http.MethodGet, "/health", nil, &out)
	return out, err
}
