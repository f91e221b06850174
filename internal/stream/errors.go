package stream

import (
	"errors"
	"fmt"
	"io"
)

// ErrUnexpectedContentType is reported when the endpoint answers with
// something other than text/event-stream.
var ErrUnexpectedContentType = errors.New("unexpected content type")

// ConnectionError reports the end of a connection. A reconnect has already
// been scheduled when it reaches the error handler.
type ConnectionError struct {
	Status int // HTTP status, 0 if the request never got a response
	Err    error
}

func (e *ConnectionError) Error() string {
	switch {
	case e.Status != 0 && e.Err != nil:
		return fmt.Sprintf("notification stream: status %d: %v", e.Status, e.Err)
	case e.Status != 0:
		return fmt.Sprintf("notification stream: status %d", e.Status)
	case errors.Is(e.Err, io.EOF):
		return "notification stream: closed by server"
	default:
		return fmt.Sprintf("notification stream: %v", e.Err)
	}
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// FrameError reports one frame that could not be parsed. The connection
// stays open.
type FrameError struct {
	Kind Kind
	ID   string
	Err  error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("notification stream: bad %s frame: %v", e.Kind, e.Err)
}

func (e *FrameError) Unwrap() error { return e.Err }
