package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loomworks/loom/stream"
)

const (
	// subBuffer is the local event buffer per subscription.
	subBuffer = 256

	// creditWindow is how many consumed events accumulate before the
	// client replenishes the server's flow-control credits.
	creditWindow = 256

	subWriteTimeout = 10 * time.Second
)

// Subscription is a live event feed over the streaming socket. Events
// arrive on Events() until Close is called, the context is cancelled,
// or reconnection gives up; Err reports why the channel closed.
type Subscription struct {
	c      *Client
	topics []string

	events chan *stream.Event
	cancel context.CancelFunc

	mu   sync.Mutex
	err  error
	done chan struct{}
}

// Subscribe opens the streaming socket and subscribes to the given
// topics. Topics follow the stream convention:
//
//   - "workflow:<id>" — events for one workflow
//   - "agent:<id>"    — events for steps assigned to an agent
//   - "workflows"     — all workflow lifecycle events
//   - "firehose"      — everything
//
// The subscription survives connection drops: it redials with the
// client's backoff strategy and re-announces its topics, up to the
// configured retry bound.
func (c *Client) Subscribe(ctx context.Context, topics ...string) (*Subscription, error) {
	if len(topics) == 0 {
		return nil, fmt.Errorf("loom/client: at least one topic is required")
	}
	for _, topic := range topics {
		if err := stream.ValidateTopic(topic); err != nil {
			return nil, err
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		c:      c,
		topics: topics,
		events: make(chan *stream.Event, subBuffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	// Dial synchronously so the caller learns about an unreachable
	// server immediately. Reconnects happen inside run.
	conn, err := sub.dial(runCtx)
	if err != nil {
		cancel()
		return nil, err
	}

	go sub.run(runCtx, conn)
	return sub, nil
}

// Events returns the event channel. It is closed when the subscription
// ends.
func (s *Subscription) Events() <-chan *stream.Event {
	return s.events
}

// Err returns the reason the subscription ended, or nil after a clean
// Close.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close tears down the subscription and closes the event channel.
func (s *Subscription) Close() {
	s.cancel()
	<-s.done
}

// dial connects the streaming socket and announces the topics.
func (s *Subscription) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := s.c.dialer.DialContext(ctx, s.c.streamURL(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close() //nolint:errcheck // handshake response body
	}
	if err != nil {
		return nil, fmt.Errorf("loom/client: dial stream: %w", err)
	}

	if err := s.writeFrame(conn, &stream.Frame{
		Type:      stream.FrameSubscribe,
		Topics:    s.topics,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		_ = conn.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("loom/client: subscribe: %w", err)
	}
	return conn, nil
}

func (s *Subscription) writeFrame(conn *websocket.Conn, frame *stream.Frame) error {
	data, err := s.c.codec.Encode(frame)
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(subWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(s.messageType(), data)
}

func (s *Subscription) messageType() int {
	if s.c.codec.Name() == stream.CodecNameMsgpack {
		return websocket.BinaryMessage
	}
	return websocket.TextMessage
}

// run reads event frames until the context ends, reconnecting with
// bounded backoff on connection loss.
func (s *Subscription) run(ctx context.Context, conn *websocket.Conn) {
	defer close(s.done)
	defer close(s.events)

	consumed := 0
	for {
		readErr := s.readFrames(ctx, conn, &consumed)
		_ = conn.Close() //nolint:errcheck // connection already broken or context done

		if ctx.Err() != nil {
			return
		}

		next, dialErr := s.redial(ctx)
		if dialErr != nil {
			if ctx.Err() == nil {
				s.fail(errors.Join(readErr, dialErr))
			}
			return
		}
		conn = next
		consumed = 0
	}
}

// readFrames pumps one connection until it breaks or the context ends.
func (s *Subscription) readFrames(ctx context.Context, conn *websocket.Conn, consumed *int) error {
	// Unblock ReadMessage when the context is cancelled.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close() //nolint:errcheck // forced close to unblock the read
		case <-stop:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		frame, err := s.c.codec.Decode(data)
		if err != nil {
			s.c.logger.Warn("stream frame decode failed", slog.String("error", err.Error()))
			continue
		}

		switch frame.Type {
		case stream.FrameEvent:
			if frame.Event == nil {
				continue
			}
			select {
			case s.events <- frame.Event:
			case <-ctx.Done():
				return ctx.Err()
			}
			*consumed++
			if *consumed >= creditWindow {
				if err := s.writeFrame(conn, &stream.Frame{
					Type:      stream.FrameCredits,
					Credits:   int64(*consumed),
					Timestamp: time.Now().UTC(),
				}); err != nil {
					return err
				}
				*consumed = 0
			}
		case stream.FrameErr:
			s.c.logger.Warn("stream error frame", slog.String("error", frame.Error))
		case stream.FramePong:
			// Keepalive answer, nothing to do.
		default:
		}
	}
}

// redial reconnects with the client's backoff strategy, giving up after
// maxRetries consecutive failures.
func (s *Subscription) redial(ctx context.Context) (*websocket.Conn, error) {
	var lastErr error
	for attempt := 1; attempt <= s.c.maxRetries; attempt++ {
		delay := s.c.retryDelay.Delay(attempt)
		s.c.logger.Info("stream reconnecting",
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
		)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		conn, err := s.dial(ctx)
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("loom/client: reconnect disabled")
	}
	return nil, fmt.Errorf("loom/client: reconnect gave up after %d attempts: %w", s.c.maxRetries, lastErr)
}

func (s *Subscription) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}
