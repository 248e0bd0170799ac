// Package transcribetest provides in-memory transports for exercising
// transcription channels without a network.
package transcribetest

import (
	"context"
	"errors"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/petems/meetscribe/internal/transcribe"
)

// ErrClosed is returned by reads and writes on a closed Transport.
var ErrClosed = errors.New("use of closed network connection")

type message struct {
	typ  int
	data []byte
	err  error
}

// Transport is a scripted transcribe.Transport.
type Transport struct {
	inbound   chan message
	closed    chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	writes []message
}

func NewTransport() *Transport {
	return &Transport{
		inbound: make(chan message, 64),
		closed:  make(chan struct{}),
	}
}

// Ack queues the "connected" acknowledgment.
func (t *Transport) Ack() *Transport {
	t.PushText(`{"event":"connected"}`)
	return t
}

func (t *Transport) PushText(s string) {
	t.inbound <- message{typ: websocket.TextMessage, data: []byte(s)}
}

// Final queues a final transcript message.
func (t *Transport) Final(text string) {
	t.PushText(`{"event":"transcript","type":"final","transcription":"` + text + `"}`)
}

// Partial queues a partial transcript message.
func (t *Transport) Partial(text string) {
	t.PushText(`{"event":"transcript","type":"partial","transcription":"` + text + `"}`)
}

// CloseWith simulates the server closing with code and reason.
func (t *Transport) CloseWith(code int, reason string) {
	t.inbound <- message{err: &websocket.CloseError{Code: code, Text: reason}}
}

func (t *Transport) WriteMessage(typ int, data []byte) error {
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}
	t.mu.Lock()
	t.writes = append(t.writes, message{typ: typ, data: append([]byte(nil), data...)})
	t.mu.Unlock()
	return nil
}

func (t *Transport) ReadMessage() (int, []byte, error) {
	select {
	case m := <-t.inbound:
		return m.typ, m.data, m.err
	case <-t.closed:
		return 0, nil, ErrClosed
	}
}

func (t *Transport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

func (t *Transport) Closed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

// Written returns the payloads written with the given message type.
func (t *Transport) Written(typ int) [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out [][]byte
	for _, w := range t.writes {
		if w.typ == typ {
			out = append(out, w.data)
		}
	}
	return out
}

// Dialer hands out transports in dial order.
type Dialer struct {
	// Next builds the transport for the n-th dial (0-based). Nil means an
	// acknowledging transport.
	Next func(n int) (*Transport, error)

	mu         sync.Mutex
	dials      int
	transports []*Transport
}

func (d *Dialer) Dial(ctx context.Context, url string) (transcribe.Transport, error) {
	d.mu.Lock()
	n := d.dials
	d.dials++
	var (
		t   *Transport
		err error
	)
	if d.Next != nil {
		t, err = d.Next(n)
	} else {
		t = NewTransport().Ack()
	}
	if t != nil {
		d.transports = append(d.transports, t)
	}
	d.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return t, nil
}

// Transports returns every transport handed out so far.
func (d *Dialer) Transports() []*Transport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Transport(nil), d.transports...)
}
