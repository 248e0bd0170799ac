package transcribe

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/petems/meetscribe/internal/audio"
	"github.com/petems/meetscribe/internal/transcript"
)

// newServer starts a websocket server that runs handle for every connection.
func newServer(t *testing.T, handle func(conn *websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newWSChannel(url string) *Channel {
	return NewChannel(transcript.RoleMic, Config{URL: url}, WSDialer{HandshakeTimeout: 5 * time.Second}, zerolog.Nop())
}

func TestConnectSendsConfiguration(t *testing.T) {
	got := make(chan Configuration, 1)
	url := newServer(t, func(conn *websocket.Conn) {
		var cfg Configuration
		if err := conn.ReadJSON(&cfg); err != nil {
			return
		}
		got <- cfg
		conn.WriteJSON(ServerMessage{Event: EventConnected})
		conn.ReadMessage()
	})

	ch := newWSChannel(url)
	defer ch.Teardown()

	if err := ch.Connect(context.Background(), "secret", 48000); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if ch.ConnState() != Open {
		t.Fatalf("expected open, got %s", ch.ConnState())
	}

	cfg := <-got
	want := Configuration{
		Credential:        "secret",
		FramesFormat:      "bytes",
		LanguageBehaviour: "automatic single language",
		SampleRate:        48000,
	}
	if cfg != want {
		t.Fatalf("expected %+v, got %+v", want, cfg)
	}
}

func TestConfigurationWireFormat(t *testing.T) {
	raw, err := json.Marshal(newConfiguration("k", "", 16000))
	if err != nil {
		t.Fatal(err)
	}
	want := `{"x_gladia_key":"k","frames_format":"bytes","language_behaviour":"automatic single language","sample_rate":16000}`
	if string(raw) != want {
		t.Fatalf("expected %s, got %s", want, raw)
	}
}

func TestConnectRefused(t *testing.T) {
	url := newServer(t, func(conn *websocket.Conn) {
		conn.ReadMessage()
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid key"))
		conn.ReadMessage()
	})

	ch := newWSChannel(url)
	err := ch.Connect(context.Background(), "bad", 48000)

	var refused *RefusedError
	if !errors.As(err, &refused) {
		t.Fatalf("expected RefusedError, got %v", err)
	}
	if refused.Code != 1008 || refused.Reason != "invalid key" {
		t.Fatalf("unexpected refusal %+v", refused)
	}
	if ch.ConnState() != Failed {
		t.Fatalf("expected failed, got %s", ch.ConnState())
	}
}

func TestConnectFirstMessageErrors(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		check func(error) bool
	}{
		{
			name:  "malformed",
			reply: "not json",
			check: func(err error) bool {
				var e *MalformedMessageError
				return errors.As(err, &e) && e.Raw == "not json"
			},
		},
		{
			name:  "unexpected",
			reply: `{"event":"transcript","type":"final","transcription":"early"}`,
			check: func(err error) bool {
				var e *UnexpectedMessageError
				return errors.As(err, &e)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log := &callLog{}
			tr := newFakeTransport(log)
			tr.push(websocket.TextMessage, tt.reply)

			ch := NewChannel(transcript.RoleSystem, Config{}, &fakeDialer{transport: tr}, zerolog.Nop())
			err := ch.Connect(context.Background(), "key", 48000)
			if !tt.check(err) {
				t.Fatalf("unexpected error %v", err)
			}
			if !tr.isClosed() {
				t.Fatal("transport must be closed after a failed handshake")
			}
			if ch.ConnState() != Failed {
				t.Fatalf("expected failed, got %s", ch.ConnState())
			}
		})
	}
}

func TestConnectDialFailure(t *testing.T) {
	ch := NewChannel(transcript.RoleMic, Config{}, &fakeDialer{err: errors.New("connection refused")}, zerolog.Nop())

	err := ch.Connect(context.Background(), "key", 48000)
	if !errors.Is(err, ErrCouldNotConnect) {
		t.Fatalf("expected ErrCouldNotConnect, got %v", err)
	}
}

func TestConnectCancelledDuringHandshake(t *testing.T) {
	tr := newFakeTransport(nil)
	ch := NewChannel(transcript.RoleMic, Config{}, &fakeDialer{transport: tr}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := ch.Connect(ctx, "key", 48000)
	if !errors.Is(err, ErrCouldNotConnect) || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancelled connect, got %v", err)
	}
	if !tr.isClosed() {
		t.Fatal("transport must be closed")
	}
}

func TestConnectTwice(t *testing.T) {
	ch, _, _ := openChannel(&callLog{})
	defer ch.Teardown()

	if err := ch.Connect(context.Background(), "key", 48000); !errors.Is(err, ErrChannelUsed) {
		t.Fatalf("expected ErrChannelUsed, got %v", err)
	}
}

func TestTranscriptEvents(t *testing.T) {
	ch, tr, _ := openChannel(&callLog{})
	defer ch.Teardown()

	events := make(chan transcript.Event, 8)
	ch.SetHandlers(Handlers{Transcript: func(ev transcript.Event) { events <- ev }})

	tr.push(websocket.TextMessage, `{"event":"transcript","type":"partial","transcription":"hel"}`)
	tr.push(websocket.TextMessage, `{"event":"transcript","type":"partial","transcription":""}`)
	tr.push(websocket.TextMessage, `{"event":"transcript","type":"final","transcription":"hello"}`)
	tr.push(websocket.TextMessage, `{"event":"transcript","type":"final","transcription":"world"}`)

	want := []transcript.Event{
		{Role: transcript.RoleMic, Kind: transcript.KindPartial, Text: "hel", Index: -1},
		{Role: transcript.RoleMic, Kind: transcript.KindFinal, Text: "hello", Index: 0},
		{Role: transcript.RoleMic, Kind: transcript.KindFinal, Text: "world", Index: 1},
	}
	for i, w := range want {
		select {
		case ev := <-events:
			if ev != w {
				t.Fatalf("event %d: expected %+v, got %+v", i, w, ev)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("event %d not received", i)
		}
	}

	if ch.PartialText() != "" {
		t.Fatalf("partial must clear after a final, got %q", ch.PartialText())
	}
	segs := ch.FinalSegments()
	if len(segs) != 2 || segs[0].Text != "hello" || segs[1].Index != 1 {
		t.Fatalf("unexpected segments %+v", segs)
	}
}

func TestPartialTextTracksLatest(t *testing.T) {
	ch, tr, _ := openChannel(&callLog{})
	defer ch.Teardown()

	done := make(chan struct{})
	ch.SetHandlers(Handlers{Transcript: func(ev transcript.Event) {
		if ev.Text == "two" {
			close(done)
		}
	}})
	tr.push(websocket.TextMessage, `{"event":"transcript","type":"partial","transcription":"one"}`)
	tr.push(websocket.TextMessage, `{"event":"transcript","type":"partial","transcription":"two"}`)
	<-done

	if ch.PartialText() != "two" {
		t.Fatalf("expected latest partial, got %q", ch.PartialText())
	}
	if len(ch.FinalSegments()) != 0 {
		t.Fatal("partials must not produce segments")
	}
}

func TestDisconnectReportedOnce(t *testing.T) {
	ch, tr, _ := openChannel(&callLog{})
	defer ch.Teardown()

	var mu sync.Mutex
	var failures []error
	got := make(chan struct{}, 2)
	ch.SetHandlers(Handlers{Failure: func(err error) {
		mu.Lock()
		failures = append(failures, err)
		mu.Unlock()
		got <- struct{}{}
	}})

	tr.fail(&websocket.CloseError{Code: websocket.CloseInternalServerErr, Text: "overloaded"})
	<-got

	select {
	case <-got:
		t.Fatal("failure reported twice")
	case <-time.After(50 * time.Millisecond):
	}

	mu.Lock()
	defer mu.Unlock()
	var de *DisconnectError
	if len(failures) != 1 || !errors.As(failures[0], &de) {
		t.Fatalf("expected one DisconnectError, got %v", failures)
	}
	if de.Role != transcript.RoleMic || de.Code != 1011 || de.Reason != "overloaded" {
		t.Fatalf("unexpected failure %+v", de)
	}
	if ch.ConnState() != Failed {
		t.Fatalf("expected failed, got %s", ch.ConnState())
	}
}

func TestFailureBeforeHandlersIsDelivered(t *testing.T) {
	ch, tr, _ := openChannel(&callLog{})
	defer ch.Teardown()

	tr.fail(errors.New("connection reset by peer"))
	deadline := time.Now().Add(2 * time.Second)
	for ch.ConnState() != Failed {
		if time.Now().After(deadline) {
			t.Fatal("channel never failed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	var got error
	ch.SetHandlers(Handlers{Failure: func(err error) { got = err }})

	var de *DisconnectError
	if !errors.As(got, &de) || de.Code != websocket.CloseAbnormalClosure {
		t.Fatalf("expected pending abnormal disconnect, got %v", got)
	}
}

func TestStartCaptureRequiresOpen(t *testing.T) {
	ch := NewChannel(transcript.RoleMic, Config{}, &fakeDialer{}, zerolog.Nop())
	media := &fakeMedia{log: &callLog{}, out: make(chan []float32)}

	if err := ch.StartCapture(media); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("expected ErrNotOpen, got %v", err)
	}
}

func TestStartCaptureTwice(t *testing.T) {
	log := &callLog{}
	ch, _, _ := openChannel(log)
	defer ch.Teardown()

	media := &fakeMedia{log: log, out: make(chan []float32)}
	if err := ch.StartCapture(media); err != nil {
		t.Fatal(err)
	}
	if err := ch.StartCapture(media); !errors.Is(err, ErrAlreadyCapturing) {
		t.Fatalf("expected ErrAlreadyCapturing, got %v", err)
	}
	if ch.CaptureState() != Capturing {
		t.Fatalf("expected capturing, got %s", ch.CaptureState())
	}
}

func TestChunksSentWithoutHeader(t *testing.T) {
	log := &callLog{}
	ch, tr, capture := openChannel(log)
	defer ch.Teardown()

	if err := ch.StartCapture(&fakeMedia{log: log, out: make(chan []float32)}); err != nil {
		t.Fatal(err)
	}

	chunk := audio.EncodeWAV([]float32{0.5, -0.5}, 48000)
	capture.emit(chunk)

	frames := tr.written(websocket.BinaryMessage)
	if len(frames) != 1 {
		t.Fatalf("expected one binary frame, got %d", len(frames))
	}
	if !reflect.DeepEqual(frames[0], chunk[audio.WAVHeaderSize:]) {
		t.Fatal("frame must be the chunk without its WAV header")
	}
	if ch.FramesSent() != 1 {
		t.Fatalf("expected 1 frame sent, got %d", ch.FramesSent())
	}
}

func TestChunksDroppedWhenNotOpen(t *testing.T) {
	log := &callLog{}
	ch, tr, capture := openChannel(log)
	defer ch.Teardown()

	if err := ch.StartCapture(&fakeMedia{log: log, out: make(chan []float32)}); err != nil {
		t.Fatal(err)
	}

	tr.fail(&websocket.CloseError{Code: websocket.CloseGoingAway})
	for ch.ConnState() != Failed {
		time.Sleep(5 * time.Millisecond)
	}

	capture.emit(audio.EncodeWAV([]float32{0.1}, 48000))
	if ch.FramesDropped() != 1 {
		t.Fatalf("expected frame to be dropped, dropped=%d", ch.FramesDropped())
	}
	if n := len(tr.written(websocket.BinaryMessage)); n != 0 {
		t.Fatalf("expected no binary frames, got %d", n)
	}
}

func TestTeardownOrder(t *testing.T) {
	log := &callLog{}
	ch, _, _ := openChannel(log)

	if err := ch.StartCapture(&fakeMedia{log: log, out: make(chan []float32)}); err != nil {
		t.Fatal(err)
	}

	ch.Teardown()
	ch.Teardown()

	want := []string{"capture.stop", "media.close", "transport.close_frame", "transport.close"}
	if got := log.snapshot(); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if ch.ConnState() != Closed || ch.CaptureState() != CaptureStopped || !ch.TornDown() {
		t.Fatalf("unexpected state conn=%s capture=%s", ch.ConnState(), ch.CaptureState())
	}
}

func TestTeardownSilencesHandlers(t *testing.T) {
	ch, tr, _ := openChannel(&callLog{})

	called := make(chan struct{}, 1)
	ch.SetHandlers(Handlers{Failure: func(error) { called <- struct{}{} }})
	ch.Teardown()

	// the closed transport ends the reader; that must not look like a failure
	select {
	case <-called:
		t.Fatal("failure handler invoked after teardown")
	case <-time.After(50 * time.Millisecond):
	}
	if !tr.isClosed() {
		t.Fatal("transport must be closed")
	}
	if err := ch.StartCapture(&fakeMedia{log: &callLog{}}); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("expected ErrNotOpen after teardown, got %v", err)
	}
}

func TestDetachDropsEvents(t *testing.T) {
	ch, tr, _ := openChannel(&callLog{})
	defer ch.Teardown()

	events := make(chan transcript.Event, 2)
	ch.SetHandlers(Handlers{Transcript: func(ev transcript.Event) { events <- ev }})
	ch.Detach()

	tr.push(websocket.TextMessage, `{"event":"transcript","type":"final","transcription":"late"}`)
	deadline := time.Now().Add(2 * time.Second)
	for len(ch.FinalSegments()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("final never recorded")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(events) != 0 {
		t.Fatal("detached handler must not be invoked")
	}
}
