package transcribe

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/petems/meetscribe/internal/transcript"
)

var errClosedTransport = errors.New("use of closed network connection")

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(call string) {
	l.mu.Lock()
	l.calls = append(l.calls, call)
	l.mu.Unlock()
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type message struct {
	typ  int
	data []byte
	err  error
}

type fakeTransport struct {
	log      *callLog
	inbound  chan message
	closed   chan struct{}
	closeErr sync.Once

	mu     sync.Mutex
	writes []message
}

func newFakeTransport(log *callLog) *fakeTransport {
	return &fakeTransport{
		log:     log,
		inbound: make(chan message, 16),
		closed:  make(chan struct{}),
	}
}

func (t *fakeTransport) push(typ int, data string) {
	t.inbound <- message{typ: typ, data: []byte(data)}
}

func (t *fakeTransport) fail(err error) {
	t.inbound <- message{err: err}
}

func (t *fakeTransport) WriteMessage(typ int, data []byte) error {
	select {
	case <-t.closed:
		return errClosedTransport
	default:
	}
	if typ == websocket.CloseMessage && t.log != nil {
		t.log.add("transport.close_frame")
	}
	t.mu.Lock()
	t.writes = append(t.writes, message{typ: typ, data: append([]byte(nil), data...)})
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) ReadMessage() (int, []byte, error) {
	select {
	case m := <-t.inbound:
		return m.typ, m.data, m.err
	case <-t.closed:
		return 0, nil, errClosedTransport
	}
}

func (t *fakeTransport) Close() error {
	t.closeErr.Do(func() {
		if t.log != nil {
			t.log.add("transport.close")
		}
		close(t.closed)
	})
	return nil
}

func (t *fakeTransport) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

func (t *fakeTransport) written(typ int) [][]byte {
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

type fakeDialer struct {
	transport Transport
	err       error
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Transport, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.transport, nil
}

type fakeCapture struct {
	log *callLog

	mu      sync.Mutex
	onChunk func([]byte)
}

func (c *fakeCapture) Start(src <-chan []float32, onChunk func([]byte)) error {
	c.mu.Lock()
	c.onChunk = onChunk
	c.mu.Unlock()
	return nil
}

func (c *fakeCapture) Stop() error {
	c.log.add("capture.stop")
	return nil
}

func (c *fakeCapture) emit(chunk []byte) {
	c.mu.Lock()
	fn := c.onChunk
	c.mu.Unlock()
	fn(chunk)
}

type fakeMedia struct {
	log *callLog
	out chan []float32
}

func (m *fakeMedia) Output() <-chan []float32 { return m.out }

func (m *fakeMedia) Close() error {
	m.log.add("media.close")
	return nil
}

// openChannel returns a mic channel connected over a fake transport.
func openChannel(log *callLog) (*Channel, *fakeTransport, *fakeCapture) {
	tr := newFakeTransport(log)
	tr.push(websocket.TextMessage, `{"event":"connected"}`)

	capture := &fakeCapture{log: log}
	cfg := Config{
		URL: "ws://transcription.test",
		NewCapture: func(int, time.Duration, zerolog.Logger) Capture {
			return capture
		},
	}
	ch := NewChannel(transcript.RoleMic, cfg, &fakeDialer{transport: tr}, zerolog.Nop())
	if err := ch.Connect(context.Background(), "key", 48000); err != nil {
		panic(err)
	}
	return ch, tr, capture
}
