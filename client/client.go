// Package client provides a Go client for a remote loom server.
//
// Commands and queries go over the REST API; live events arrive over the
// /api/v1/stream WebSocket. Subscriptions reconnect automatically with
// bounded backoff and re-announce their topics after each reconnect.
//
// Usage:
//
//	c, err := client.New("http://localhost:8080")
//	if err != nil { ... }
//
//	created, err := c.CreateWorkflow(ctx, def)
//	snap, err := c.Start(ctx, created.WorkflowID)
//
//	sub, err := c.Subscribe(ctx, stream.WorkflowTopic(created.WorkflowID))
//	defer sub.Close()
//	for evt := range sub.Events() {
//	    fmt.Printf("%s seq=%d\n", evt.Type, evt.Sequence)
//	}
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/backoff"
	"github.com/loomworks/loom/stream"
)

// Client talks to a loom server over HTTP and WebSocket.
type Client struct {
	baseURL string
	httpc   *http.Client
	dialer  *websocket.Dialer
	logger  *slog.Logger

	codec stream.Codec

	// Reconnection for subscriptions.
	maxRetries int
	retryDelay backoff.Strategy
}

// New creates a client for the server at baseURL (e.g. "http://localhost:8080").
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("loom/client: parse base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("loom/client: unsupported scheme %q", u.Scheme)
	}

	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpc:      &http.Client{Timeout: 30 * time.Second},
		dialer:     websocket.DefaultDialer,
		logger:     slog.Default(),
		codec:      stream.CodecByName(stream.CodecNameJSON),
		maxRetries: 5,
		retryDelay: backoff.NewExponential(time.Second, 30*time.Second),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// APIError is a non-2xx response from the server. Unwrap maps the server
// message back onto the loom sentinel errors, so errors.Is works across
// the wire.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("loom/client: server returned %d: %s", e.Status, e.Message)
}

// sentinels the server encodes into error bodies, matched by message.
var wireSentinels = []error{
	loom.ErrWorkflowNotFound,
	loom.ErrStepNotFound,
	loom.ErrSyncPointNotFound,
	loom.ErrCheckpointNotFound,
	loom.ErrValidation,
	loom.ErrIllegalTransition,
	loom.ErrConflict,
	loom.ErrRecoveryExhausted,
}

func (e *APIError) Unwrap() error {
	for _, s := range wireSentinels {
		if strings.Contains(e.Message, s.Error()) {
			return s
		}
	}
	return nil
}

// do issues a JSON request against the v1 API. in and out may be nil.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body *bytes.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("loom/client: marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("loom/client: build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("loom/client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-side close

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{Status: resp.StatusCode}
		var eb struct {
			Error string `json:"error"`
		}
		if decodeErr := json.NewDecoder(resp.Body).Decode(&eb); decodeErr == nil {
			apiErr.Message = eb.Error
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("loom/client: decode response: %w", err)
	}
	return nil
}

// streamURL derives the WebSocket endpoint from the base URL.
func (c *Client) streamURL() string {
	wsBase := c.baseURL
	switch {
	case strings.HasPrefix(wsBase, "https://"):
		wsBase = "wss://" + strings.TrimPrefix(wsBase, "https://")
	case strings.HasPrefix(wsBase, "http://"):
		wsBase = "ws://" + strings.TrimPrefix(wsBase, "http://")
	}
	return wsBase + "/api/v1/stream?codec=" + c.codec.Name()
}
