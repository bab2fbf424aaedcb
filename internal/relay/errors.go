package relay

import (
	"errors"
	"fmt"
)

// Kind classifies a session failure.
type Kind int

const (
	// KindUnknown is reported by [KindOf] for errors outside the taxonomy.
	KindUnknown Kind = iota

	// KindIngress marks a failure receiving client frames. Absorbed: the
	// session still ends cleanly with the audio received so far.
	KindIngress

	// KindDecode marks a media decoder that failed to start or exited
	// abnormally. Absorbed like KindIngress.
	KindDecode

	// KindRemoteStream marks a failure opening, writing to, or reading from
	// the recognition stream. Fatal for the session.
	KindRemoteStream

	// KindDelivery marks a failed hand-off of one transcript to a sink.
	// Logged per unit; later units are still delivered.
	KindDelivery
)

// String returns the metric/log label of k.
func (k Kind) String() string {
	switch k {
	case KindIngress:
		return "ingress"
	case KindDecode:
		return "decode"
	case KindRemoteStream:
		return "remote_stream"
	case KindDelivery:
		return "delivery"
	default:
		return "unknown"
	}
}

// Fatal reports whether errors of this kind terminate a session.
func (k Kind) Fatal() bool {
	return k == KindRemoteStream || k == KindUnknown
}

// ErrDrainTimeout is returned by [Coordinator.Run] when the recognition
// stream does not close within the drain timeout after end-of-input.
var ErrDrainTimeout = errors.New("relay: recognition stream did not close after end of input")

// Error is a classified session failure.
type Error struct {
	Kind Kind
	// Op names the failing step, e.g. "open stream" or "decode".
	Op  string
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("relay: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("relay: %s: %s: %v", e.Kind, e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

// Errorf wraps err as an [*Error] of kind k. It returns nil when err is nil.
func Errorf(k Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: k, Op: op, Err: err}
}

// KindOf returns the kind of the first [*Error] in err's chain, or
// KindUnknown.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindUnknown
}
