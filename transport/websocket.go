package transport

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/padsign/padsign/dispatch"
	"github.com/padsign/padsign/domain"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4 << 20 // document requests carry inline PDF bytes
)

// WSTransport wraps a websocket connection as a domain.Transport.
// Writes are serialized; gorilla permits at most one concurrent writer.
type WSTransport struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	closed  bool
}

// NewWSTransport wraps an upgraded websocket connection.
func NewWSTransport(conn *websocket.Conn) *WSTransport {
	conn.SetReadLimit(maxMessageSize)
	return &WSTransport{conn: conn}
}

// Send writes a single text frame. Safe for concurrent use.
func (t *WSTransport) Send(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.closed {
		return websocket.ErrCloseSent
	}
	if err := t.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame with the given reason, then tears down the
// underlying connection. Idempotent.
func (t *WSTransport) Close(reason string) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	deadline := time.Now().Add(writeWait)
	if err := t.conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		log.Debug().Err(err).Msg("Failed writing websocket close frame")
	}
	return t.conn.Close()
}

// RemoteAddr reports the peer's network address.
func (t *WSTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

// ServeConn runs the read loop for an upgraded connection, feeding every
// inbound frame to the dispatcher. It blocks until the peer disconnects
// or the context is cancelled, then reports the close to the dispatcher.
func ServeConn(ctx context.Context, d *dispatch.Dispatcher, kind domain.ActorKind, advisoryID string, conn *websocket.Conn) {
	t := NewWSTransport(conn)
	peer := d.OnOpen(kind, advisoryID, t)
	defer func() {
		d.OnClose(peer)
		t.Close("connection closed")
	}()

	stop := context.AfterFunc(ctx, func() {
		t.Close("server shutting down")
	})
	defer stop()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).
					Str("remote_addr", t.RemoteAddr()).
					Str("kind", string(kind)).
					Msg("Websocket read terminated")
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		d.OnMessage(ctx, peer, data)
	}
}
