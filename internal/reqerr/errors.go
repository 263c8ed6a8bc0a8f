// Package reqerr defines the error kinds that the engine surfaces to
// callers, per the error handling design: errors are attached to a request
// and delivered on the reader's next read, never raised asynchronously.
package reqerr

import "errors"

// Kind classifies a terminal error attached to a Request or returned from a
// Buffered Reader.
type Kind int

const (
	// KindUnknown is the zero value; never constructed deliberately.
	KindUnknown Kind = iota
	// KindInvalidConfig marks a config value rejected at load or stage.
	KindInvalidConfig
	// KindFetchError marks a configure_atp callback failure.
	KindFetchError
	// KindCancelled marks a request or I/O cancelled by caller, shutdown,
	// or removal.
	KindCancelled
	// KindTorrentRemoved is a specialization of KindCancelled for the case
	// where the specific cause was torrent removal.
	KindTorrentRemoved
	// KindIO marks a disk or network error surfaced by the engine.
	KindIO
	// KindTimeout is used only for the resume shutdown wait.
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindInvalidConfig:
		return "invalid_config"
	case KindFetchError:
		return "fetch_error"
	case KindCancelled:
		return "cancelled"
	case KindTorrentRemoved:
		return "torrent_removed"
	case KindIO:
		return "io"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error is the typed error attached to a Request and surfaced to readers.
type Error struct {
	Kind    Kind
	Message string
	Wrapped error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Wrapped }

// New builds a *Error of the given kind with a message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Wrap builds a *Error of the given kind wrapping an underlying error.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Wrapped: err}
}

// Is reports whether err is a *Error of the given kind, unwrapping through
// the standard errors chain.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Cancelled is a ready-made sentinel for the common cancellation case.
var Cancelled = New(KindCancelled, "cancelled")

// TorrentRemoved is a ready-made sentinel for removal-caused cancellation.
var TorrentRemoved = New(KindTorrentRemoved, "torrent removed")
