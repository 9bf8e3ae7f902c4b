package conversation

import (
	"errors"
	"fmt"

	"github.com/emodiary/talk/internal/audio"
	"github.com/emodiary/talk/internal/chatapi"
)

// Kind classifies a failed operation so callers can present it.
type Kind string

const (
	// KindPrecondition is a usage error rejected before any network call.
	KindPrecondition Kind = "precondition"
	// KindTransport covers requests that did not complete, including timeouts.
	KindTransport Kind = "transport"
	// KindBackend is a non-success answer from the chat API.
	KindBackend Kind = "backend"
	// KindPermission is a microphone that could not be acquired.
	KindPermission Kind = "permission"
	// KindDiscarded marks a response that arrived after its session ended.
	KindDiscarded Kind = "discarded"
)

var (
	ErrNoSession           = errors.New("no active session")
	ErrSessionActive       = errors.New("a session is already open")
	ErrInFlight            = errors.New("still processing the previous message")
	ErrEmptyMessage        = errors.New("message is empty")
	ErrEmptyAudio          = errors.New("captured audio is empty")
	ErrCaptureActive       = errors.New("a capture is already active")
	ErrNoCapture           = errors.New("no capture is active")
	ErrUnsupportedLanguage = errors.New("unsupported language")
	ErrSessionEnded        = errors.New("session ended before the response arrived")
	ErrMissingSessionID    = errors.New("backend returned no session id")
)

// Error is the typed outcome of every failed Manager operation.
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("conversation %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of err, or "" when err is not a conversation error.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

// Recoverable reports whether retrying the same call later may succeed.
func Recoverable(err error) bool {
	switch KindOf(err) {
	case KindTransport, KindBackend:
		return true
	default:
		return false
	}
}

func precondition(op string, err error) error {
	return &Error{Op: op, Kind: KindPrecondition, Err: err}
}

func discarded(op string) error {
	return &Error{Op: op, Kind: KindDiscarded, Err: ErrSessionEnded}
}

func permission(op string, err error) error {
	if !errors.Is(err, audio.ErrPermission) {
		err = fmt.Errorf("%w: %v", audio.ErrPermission, err)
	}
	return &Error{Op: op, Kind: KindPermission, Err: err}
}

func classify(op string, err error) error {
	var se *chatapi.StatusError
	if errors.As(err, &se) || errors.Is(err, ErrMissingSessionID) {
		return &Error{Op: op, Kind: KindBackend, Err: err}
	}
	return &Error{Op: op, Kind: KindTransport, Err: err}
}
