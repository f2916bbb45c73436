package wsjson

import (
	"context"
	"encoding/json"

	"golang.org/x/xerrors"

	"github.com/coder/websocket"
)

// Encoder writes JSON values of type T onto a websocket connection.
type Encoder[T any] struct {
	conn *websocket.Conn
	typ  websocket.MessageType
}

// Encode marshals v and writes it as a single websocket message.
func (e *Encoder[T]) Encode(v T) error {
	b, err := json.Marshal(v)
	if err != nil {
		return xerrors.Errorf("marshal message: %w", err)
	}
	err = e.conn.Write(context.Background(), e.typ, b)
	if err != nil {
		return xerrors.Errorf("write message: %w", err)
	}
	return nil
}

// Close closes the encoder and underlying websocket.
func (e *Encoder[T]) Close(c websocket.StatusCode) error {
	return e.conn.Close(c, "")
}

// NewEncoder creates a JSON-over-websocket encoder for type T, which
// must be JSON-serializable. The encoder calls CloseRead on the
// connection, so it must not be used if you, separately, want to read
// from it.
func NewEncoder[T any](conn *websocket.Conn, typ websocket.MessageType) *Encoder[T] {
	// Set the read limit to prevent memory exhaustion, and CloseRead so
	// the connection responds to pings and notices closure.
	conn.CloseRead(context.Background())
	return &Encoder[T]{conn: conn, typ: typ}
}
