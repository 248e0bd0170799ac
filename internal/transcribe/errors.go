package transcribe

import (
	"errors"
	"fmt"

	"github.com/gorilla/websocket"

	"github.com/petems/meetscribe/internal/transcript"
)

var (
	// ErrCouldNotConnect covers dial failures and transport errors before the
	// server acknowledged the configuration.
	ErrCouldNotConnect = errors.New("could not connect to the transcription server")
	// ErrNotOpen is returned when capture is started on a channel whose
	// connection is not open.
	ErrNotOpen = errors.New("transcription channel is not open")
	// ErrAlreadyCapturing is returned by a second StartCapture.
	ErrAlreadyCapturing = errors.New("transcription channel is already capturing")
	// ErrChannelUsed is returned by a second Connect.
	ErrChannelUsed = errors.New("transcription channel already used")
	// ErrTornDown is returned by operations on a torn down channel.
	ErrTornDown = errors.New("transcription channel torn down")
)

// RefusedError reports a transport close before the handshake completed.
type RefusedError struct {
	Code   int
	Reason string
}

func (e *RefusedError) Error() string {
	return fmt.Sprintf("server refused the connection: [%d] %s", e.Code, e.Reason)
}

// MalformedMessageError reports a first server message that is not JSON.
type MalformedMessageError struct {
	Raw string
	Err error
}

func (e *MalformedMessageError) Error() string {
	return fmt.Sprintf("could not parse server message: %s", e.Raw)
}

func (e *MalformedMessageError) Unwrap() error { return e.Err }

// UnexpectedMessageError reports a first server message other than the
// "connected" acknowledgment.
type UnexpectedMessageError struct {
	Raw string
}

func (e *UnexpectedMessageError) Error() string {
	return fmt.Sprintf("server sent an unexpected message: %s", e.Raw)
}

// DisconnectError reports a transport close or error after recording began.
type DisconnectError struct {
	Role   transcript.Role
	Code   int
	Reason string
}

func (e *DisconnectError) Error() string {
	return fmt.Sprintf("connection lost with server (%s): [%d] %s", e.Role, e.Code, e.Reason)
}

// closeDetails extracts the close code and reason from a transport error.
// Errors that carry no close frame map to 1006 (abnormal closure).
func closeDetails(err error) (int, string, bool) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text, true
	}
	return websocket.CloseAbnormalClosure, err.Error(), false
}
