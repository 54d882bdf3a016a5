package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/loomworks/loom/id"
	"github.com/loomworks/loom/stream"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPongTimeout  = 60 * time.Second

	// wsCtrlBuffer bounds pending control frames (pong, subscribe errors)
	// so the read pump never blocks on a stalled writer.
	wsCtrlBuffer = 8
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// streamSocket upgrades the connection and bridges a broker subscriber
// onto it. The codec is negotiated via the ?codec= query parameter
// (json default, msgpack optional). Clients drive their subscriptions
// and flow-control credits with subscribe/unsubscribe/credits frames.
func (s *Server) streamSocket(c *gin.Context) {
	codec := stream.CodecByName(c.Query("codec"))

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	subID := id.NewSubscriberID().String()
	sub := s.broker.Subscribe(subID)

	sess := &wsSession{
		server: s,
		conn:   conn,
		codec:  codec,
		sub:    sub,
		ctrl:   make(chan *stream.Frame, wsCtrlBuffer),
	}

	s.logger.Info("stream subscriber connected",
		slog.String("subscriber_id", subID),
		slog.String("codec", codec.Name()))

	go sess.writePump()
	sess.readPump()

	// Removing the subscriber closes its channel, which ends writePump.
	s.broker.RemoveSubscriber(subID)
	_ = conn.Close() //nolint:errcheck // already tearing down

	s.logger.Info("stream subscriber disconnected", slog.String("subscriber_id", subID))
}

// wsSession is one WebSocket connection bound to one broker subscriber.
type wsSession struct {
	server *Server
	conn   *websocket.Conn
	codec  stream.Codec
	sub    *stream.Subscriber
	ctrl   chan *stream.Frame
}

// messageType returns the WebSocket message type for the session codec.
func (w *wsSession) messageType() int {
	if w.codec.Name() == stream.CodecNameMsgpack {
		return websocket.BinaryMessage
	}
	return websocket.TextMessage
}

// readPump consumes client frames until the connection errors.
func (w *wsSession) readPump() {
	w.conn.SetReadLimit(1 << 20)
	_ = w.conn.SetReadDeadline(time.Now().Add(wsPongTimeout)) //nolint:errcheck // deadline on a live conn
	w.conn.SetPongHandler(func(string) error {
		return w.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})

	for {
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = w.conn.SetReadDeadline(time.Now().Add(wsPongTimeout)) //nolint:errcheck // deadline on a live conn

		frame, err := w.codec.Decode(data)
		if err != nil {
			w.control(stream.NewErrorFrame("malformed frame: " + err.Error()))
			continue
		}
		w.handleFrame(frame)
	}
}

// handleFrame applies one client frame to the subscriber.
func (w *wsSession) handleFrame(frame *stream.Frame) {
	switch frame.Type {
	case stream.FrameSubscribe:
		for _, topic := range frame.Topics {
			if err := stream.ValidateTopic(topic); err != nil {
				w.control(stream.NewErrorFrame(err.Error()))
				return
			}
		}
		w.server.broker.SubscribeTo(w.sub.ID(), frame.Topics...)

	case stream.FrameUnsubscribe:
		w.server.broker.Unsubscribe(w.sub.ID(), frame.Topics...)

	case stream.FrameCredits:
		if frame.Credits > 0 {
			w.sub.AddCredits(frame.Credits)
		}

	case stream.FramePing:
		w.control(&stream.Frame{Type: stream.FramePong, Timestamp: time.Now().UTC()})

	default:
		w.control(stream.NewErrorFrame("unsupported frame type: " + string(frame.Type)))
	}
}

// control queues a server-originated frame, dropping it when the
// writer is backed up.
func (w *wsSession) control(frame *stream.Frame) {
	select {
	case w.ctrl <- frame:
	default:
	}
}

// writePump forwards broker events and control frames to the socket.
// It exits when the subscriber channel closes or a write fails.
func (w *wsSession) writePump() {
	for {
		select {
		case evt, ok := <-w.sub.C():
			if !ok {
				return
			}
			if !w.writeFrame(stream.NewEventFrame(evt)) {
				return
			}
		case frame := <-w.ctrl:
			if !w.writeFrame(frame) {
				return
			}
		}
	}
}

// writeFrame encodes and writes one frame; false means the connection
// is unusable.
func (w *wsSession) writeFrame(frame *stream.Frame) bool {
	data, err := w.codec.Encode(frame)
	if err != nil {
		w.server.logger.Warn("frame encode failed", slog.String("error", err.Error()))
		return true
	}
	_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)) //nolint:errcheck // deadline on a live conn
	return w.conn.WriteMessage(w.messageType(), data) == nil
}
