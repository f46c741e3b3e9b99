package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fentz26/ninjateam/internal/models"
)

// DefaultClientTimeout bounds health and shutdown calls made without a
// deadline.
const DefaultClientTimeout = 10 * time.Second

// Client talks to a remote agent.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for host. Execute calls are bounded by the
// caller's context only.
func NewClient(host models.HostRecord) *Client {
	port := host.Port
	if port == 0 {
		port = models.DefaultPort
	}
	return NewClientURL("http://" + net.JoinHostPort(host.Address, strconv.Itoa(port)))
}

// NewClientURL creates a client for an explicit base URL.
func NewClientURL(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
	}
}

// Health queries /v1/health.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	body, err := c.do(ctx, http.MethodGet, "/v1/health", "", nil)
	if err != nil {
		return nil, err
	}
	var health Health
	if err := json.Unmarshal(body, &health); err != nil {
		return nil, fmt.Errorf("failed to parse health response: %w", err)
	}
	return &health, nil
}

// Version queries /v1/version.
func (c *Client) Version(ctx context.Context) (string, error) {
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	body, err := c.do(ctx, http.MethodGet, "/v1/version", "", nil)
	if err != nil {
		return "", err
	}
	var v struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return "", fmt.Errorf("failed to parse version response: %w", err)
	}
	return v.Version, nil
}

// Execute runs one unit on the agent.
func (c *Client) Execute(ctx context.Context, req *ExecuteRequest) (*ExecuteResponse, error) {
	var resp ExecuteResponse
	if err := c.postCBOR(ctx, "/v1/execute", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SubBuild runs a nested build on the agent.
func (c *Client) SubBuild(ctx context.Context, req *SubBuildRequest) (*SubBuildResponse, error) {
	var resp SubBuildResponse
	if err := c.postCBOR(ctx, "/v1/build", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Shutdown asks the agent process to exit.
func (c *Client) Shutdown(ctx context.Context) error {
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	_, err := c.do(ctx, http.MethodPost, "/v1/shutdown", "", nil)
	return err
}

func (c *Client) postCBOR(ctx context.Context, path string, in, out interface{}) error {
	data, err := Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	body, err := c.do(ctx, http.MethodPost, path, ContentType, data)
	if err != nil {
		return err
	}
	if err := Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path, contentType string, payload []byte) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w: %s %s", ErrTimeout, method, path)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrUnreachable, err)
	}

	if resp.StatusCode >= 400 {
		msg := strings.TrimSpace(string(body))
		switch resp.StatusCode {
		case http.StatusConflict:
			return nil, fmt.Errorf("%w: %s", ErrBusy, msg)
		case http.StatusGatewayTimeout:
			return nil, fmt.Errorf("%w: %s", ErrTimeout, msg)
		case http.StatusNotImplemented:
			return nil, fmt.Errorf("%w: %s", ErrNoSubBuilder, msg)
		case http.StatusUnprocessableEntity:
			return nil, fmt.Errorf("%w: %s", ErrDepthExceeded, msg)
		case http.StatusServiceUnavailable:
			return nil, fmt.Errorf("%w: %s", ErrShuttingDown, msg)
		}
		return nil, fmt.Errorf("agent error (%d): %s", resp.StatusCode, msg)
	}
	return body, nil
}

func withDefaultTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, DefaultClientTimeout)
}
