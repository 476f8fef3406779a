// Package tts streams text to a realtime speech synthesis service and yields
// PCM audio chunks as they are produced.
package tts

import (
	"errors"
	"sync"
)

// ErrContextClosed is returned when text is sent to a synthesis context that
// has already been closed or cancelled.
var ErrContextClosed = errors.New("tts context closed")

// StreamingContext is one live synthesis stream. Text goes in via SendText,
// audio chunks come out of ReceiveAudio. The audio channel is closed when the
// provider finishes or the context is cancelled, so ranging over it is the
// normal consumption pattern.
type StreamingContext struct {
	audio chan []byte
	done  chan struct{}

	// audioMu serializes sends against the close of the audio channel so a
	// provider pushing concurrently with Cancel can never send on a closed
	// channel or sneak a chunk in after cancellation.
	audioMu     sync.Mutex
	audioClosed bool

	closeOnce  sync.Once
	finishOnce sync.Once

	errMu sync.Mutex
	err   error

	// SendFunc transmits one text chunk to the provider. isFinal marks the
	// end of input so the provider can flush remaining audio.
	SendFunc func(text string, isFinal bool) error
	// CloseFunc tears down the provider connection.
	CloseFunc func() error
}

// NewStreamingContext returns a context ready for a provider to attach its
// SendFunc and CloseFunc hooks.
func NewStreamingContext() *StreamingContext {
	return &StreamingContext{
		audio: make(chan []byte, 100),
		done:  make(chan struct{}),
	}
}

// SendText forwards a text chunk to the synthesizer.
func (sc *StreamingContext) SendText(text string, isFinal bool) error {
	select {
	case <-sc.done:
		return ErrContextClosed
	default:
	}
	if sc.SendFunc == nil {
		return errors.New("tts context has no sender")
	}
	return sc.SendFunc(text, isFinal)
}

// Flush signals end of input without sending more text.
func (sc *StreamingContext) Flush() error {
	return sc.SendText("", true)
}

// PushAudio delivers one audio chunk to the consumer. Chunks pushed after
// cancellation are dropped. The done check comes before the send: with a
// buffered audio channel, a bare two-case select could still pick the send
// branch after Cancel has closed done.
func (sc *StreamingContext) PushAudio(chunk []byte) {
	sc.audioMu.Lock()
	defer sc.audioMu.Unlock()
	if sc.audioClosed {
		return
	}
	select {
	case <-sc.done:
		return
	default:
	}
	select {
	case sc.audio <- chunk:
	case <-sc.done:
	}
}

// ReceiveAudio returns the audio channel. It is closed when synthesis ends.
func (sc *StreamingContext) ReceiveAudio() <-chan []byte { return sc.audio }

// Done closes when the context is cancelled or finished.
func (sc *StreamingContext) Done() <-chan struct{} { return sc.done }

// SetError records the first provider error for retrieval after the audio
// channel closes.
func (sc *StreamingContext) SetError(err error) {
	sc.errMu.Lock()
	if sc.err == nil {
		sc.err = err
	}
	sc.errMu.Unlock()
}

// Err returns the recorded provider error, if any.
func (sc *StreamingContext) Err() error {
	sc.errMu.Lock()
	defer sc.errMu.Unlock()
	return sc.err
}

// FinishAudio closes the audio channel, signalling no more chunks will come.
// Called by the provider read loop on normal completion and by Cancel. On the
// cancel path anything still buffered is discarded first, so a consumer never
// observes audio once Cancel has returned.
func (sc *StreamingContext) FinishAudio() {
	sc.finishOnce.Do(func() {
		sc.audioMu.Lock()
		defer sc.audioMu.Unlock()
		sc.audioClosed = true
		select {
		case <-sc.done:
		drain:
			for {
				select {
				case <-sc.audio:
				default:
					break drain
				}
			}
		default:
		}
		close(sc.audio)
	})
}

// Cancel stops synthesis immediately. When Cancel returns, no further chunks
// will be delivered: the done channel is closed before the connection so the
// read loop drops anything still in flight.
func (sc *StreamingContext) Cancel() {
	sc.closeOnce.Do(func() {
		close(sc.done)
		if sc.CloseFunc != nil {
			sc.CloseFunc()
		}
		sc.FinishAudio()
	})
}
