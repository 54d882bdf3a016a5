package client

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/loomworks/loom/backoff"
	"github.com/loomworks/loom/stream"
)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(httpc *http.Client) Option {
	return func(c *Client) { c.httpc = httpc }
}

// WithDialer sets the WebSocket dialer used for subscriptions.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithCodec sets the wire codec for the event stream.
// Supported names: "json" (default), "msgpack".
func WithCodec(name string) Option {
	return func(c *Client) { c.codec = stream.CodecByName(name) }
}

// WithReconnect bounds subscription reconnection: maxRetries consecutive
// failed dials before the subscription gives up, with delay between
// attempts. maxRetries of zero disables reconnection.
func WithReconnect(maxRetries int, delay backoff.Strategy) Option {
	return func(c *Client) {
		c.maxRetries = maxRetries
		if delay != nil {
			c.retryDelay = delay
		}
	}
}
