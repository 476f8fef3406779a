package session

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

type wsWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// outboundFrame is one queued client write. Control and event JSON goes on
// the priority queue; assistant audio goes on the normal queue tagged with
// its turn id so cancelled-turn audio can be dropped before it hits the wire.
type outboundFrame struct {
	textPayload   []byte
	binaryPayload []byte
	audioTurnID   string
}

// outboundWriter owns the websocket write side of a session. Every write
// funnels through its single Run goroutine: queued JSON drains ahead of
// audio, and audio belonging to a cancelled turn is discarded at the last
// moment instead of being sent.
type outboundWriter struct {
	ws           wsWriter
	ctx          context.Context
	pingInterval time.Duration
	writeTimeout time.Duration
	priority     <-chan outboundFrame
	normal       <-chan outboundFrame
	isCanceled   func(turnID string) bool
}

// shutdownFlushWindow bounds how long the writer spends pushing queued JSON
// (turn results, errors) to the client once its context is cancelled.
const shutdownFlushWindow = 200 * time.Millisecond

func (w *outboundWriter) Run() error {
	if w == nil || w.ws == nil {
		return nil
	}

	var pings <-chan time.Time
	if w.pingInterval > 0 {
		ticker := time.NewTicker(w.pingInterval)
		defer ticker.Stop()
		pings = ticker.C
	}
	done := w.doneChan()

	for {
		select {
		case <-done:
			w.shutdown()
			return nil
		default:
		}

		if err := w.drainPriority(); err != nil {
			return err
		}
		if w.priority == nil && w.normal == nil {
			return nil
		}

		select {
		case <-done:
			w.shutdown()
			return nil
		case <-pings:
			if err := w.ws.WriteControl(websocket.PingMessage, nil, w.deadline()); err != nil {
				return err
			}
		case frame, ok := <-w.priority:
			if !ok {
				w.priority = nil
				continue
			}
			if err := w.send(frame); err != nil {
				return err
			}
		case frame, ok := <-w.normal:
			if !ok {
				w.normal = nil
				continue
			}
			// JSON queued while this audio frame waited goes out first, so a
			// barge-in's events are never stuck behind stale audio.
			if err := w.drainPriority(); err != nil {
				return err
			}
			if err := w.send(frame); err != nil {
				return err
			}
		}
	}
}

// drainPriority writes every immediately-available JSON frame.
func (w *outboundWriter) drainPriority() error {
	for w.priority != nil {
		select {
		case frame, ok := <-w.priority:
			if !ok {
				w.priority = nil
				return nil
			}
			if err := w.send(frame); err != nil {
				return err
			}
		default:
			return nil
		}
	}
	return nil
}

// shutdown pushes whatever JSON is already queued, then says goodbye. Audio
// is abandoned: the connection is going away and the client discards its
// playback buffer on close anyway.
func (w *outboundWriter) shutdown() {
	stop := time.Now().Add(shutdownFlushWindow)
flush:
	for w.priority != nil && time.Now().Before(stop) {
		select {
		case frame, ok := <-w.priority:
			if !ok {
				break flush
			}
			_ = w.send(frame)
		default:
			break flush
		}
	}
	_ = w.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), w.deadline())
	_ = w.ws.Close()
}

func (w *outboundWriter) send(frame outboundFrame) error {
	if frame.audioTurnID != "" && w.isCanceled != nil && w.isCanceled(frame.audioTurnID) {
		return nil
	}
	payload, kind := frame.textPayload, websocket.TextMessage
	if len(payload) == 0 {
		payload, kind = frame.binaryPayload, websocket.BinaryMessage
	}
	if len(payload) == 0 {
		return nil
	}
	if err := w.ws.SetWriteDeadline(w.deadline()); err != nil {
		return err
	}
	return w.ws.WriteMessage(kind, payload)
}

// deadline converts the configured write timeout into an absolute deadline.
// A zero timeout leaves writes unbounded.
func (w *outboundWriter) deadline() time.Time {
	if w.writeTimeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(w.writeTimeout)
}

func (w *outboundWriter) doneChan() <-chan struct{} {
	if w.ctx == nil {
		return nil
	}
	return w.ctx.Done()
}
