package wsjson

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"cdr.dev/slog/v3"
	"github.com/coder/websocket"
)

// Decoder reads JSON values of type T off a websocket connection.
type Decoder[T any] struct {
	conn       *websocket.Conn
	typ        websocket.MessageType
	ctx        context.Context
	cancel     context.CancelFunc
	chanCalled atomic.Bool
	logger     slog.Logger
}

// Chan starts the decoder reading from the websocket and returns a
// channel for reading the resulting values. The chan T is closed on
// websocket close, or if context expires, so it is important to monitor
// for this case in your own processing code.
//
// Safety: Chan must only be called once. Successive calls will panic.
func (d *Decoder[T]) Chan() <-chan T {
	if !d.chanCalled.CompareAndSwap(false, true) {
		panic("chan called more than once")
	}
	values := make(chan T, 1)
	go func() {
		defer close(values)
		defer d.conn.Close(websocket.StatusGoingAway, "")
		for {
			// we don't use d.ctx here because it only gets canceled after closing the
			// channel and the websocket, at which point Read returns anyway.
			typ, b, err := d.conn.Read(context.Background())
			if err != nil {
				d.logger.Debug(d.ctx, "websocket connection closed", slog.Error(err))
				return
			}
			if typ != d.typ {
				d.logger.Error(d.ctx, "unexpected message type", slog.F("type", typ))
				continue
			}
			var value T
			err = json.Unmarshal(b, &value)
			if err != nil {
				d.logger.Error(d.ctx, "unmarshal", slog.Error(err))
				continue
			}
			select {
			case values <- value:
				// OK
			case <-d.ctx.Done():
				return
			}
		}
	}()
	return values
}

// Close closes the decoder and underlying websocket.
func (d *Decoder[T]) Close() error {
	err := d.conn.Close(websocket.StatusNormalClosure, "")
	d.cancel()
	return err
}

// NewDecoder creates a JSON-over-websocket decoder for type T, which
// must be deserializable from JSON.
func NewDecoder[T any](conn *websocket.Conn, typ websocket.MessageType, logger slog.Logger) *Decoder[T] {
	ctx, cancel := context.WithCancel(context.Background())
	return &Decoder[T]{conn: conn, ctx: ctx, cancel: cancel, typ: typ, logger: logger}
}
