// Package syncerr defines the error taxonomy shared by the sync engine.
package syncerr

import (
	"errors"
	"fmt"
)

// Kind classifies an engine error.
type Kind string

const (
	LocationUnavailable Kind = "location_unavailable"
	NetworkFailure      Kind = "network_failure"
	StreamProtocolError Kind = "stream_protocol_error"
	StateConflict       Kind = "state_conflict"
)

// Reason refines LocationUnavailable errors.
type Reason string

const (
	ReasonPermissionDenied Reason = "permission_denied"
	ReasonServiceDisabled  Reason = "service_disabled"
	ReasonTimeout          Reason = "timeout"
	ReasonPlatformError    Reason = "platform_error"
	ReasonUnknown          Reason = "unknown"
)

// Error is an engine error with a kind, the failing operation and an
// optional cause.
type Error struct {
	Kind   Kind
	Op     string
	Reason Reason
	Err    error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Reason != "" {
		msg += " (" + string(e.Reason) + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches a causeless *Error template of the same kind (and the same
// reason, when the template sets one). Sentinels with a cause only match by
// identity.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Err != nil {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

// New creates an error of the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Location creates a LocationUnavailable error with a reason.
func Location(op string, reason Reason, err error) *Error {
	return &Error{Kind: LocationUnavailable, Op: op, Reason: reason, Err: err}
}

// Network wraps a transport failure.
func Network(op string, err error) *Error {
	return &Error{Kind: NetworkFailure, Op: op, Err: err}
}

// Protocol wraps a malformed frame or an explicit server error event.
func Protocol(op string, err error) *Error {
	return &Error{Kind: StreamProtocolError, Op: op, Err: err}
}

// Conflict reports a request dropped because an exclusive guard was held.
func Conflict(op string, detail string) *Error {
	return &Error{Kind: StateConflict, Op: op, Err: errors.New(detail)}
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// ReasonOf returns the location reason carried by err, or ReasonUnknown.
func ReasonOf(err error) Reason {
	var e *Error
	if errors.As(err, &e) && e.Reason != "" {
		return e.Reason
	}
	return ReasonUnknown
}

var (
	// ErrRateLimited is returned when an attempt starts too soon after the
	// previous one.
	ErrRateLimited = Conflict("guard", "attempt rate limited")
	// ErrInFlight is returned when the same exclusive operation is running.
	ErrInFlight = Conflict("guard", "operation already in flight")
)

var locationMessages = map[string]map[Reason]string{
	"en": {
		ReasonPermissionDenied: "Location permission is denied. Allow location access in settings.",
		ReasonServiceDisabled:  "Location services are turned off. Enable location services.",
		ReasonTimeout:          "Could not get your location in time. Move to an open area and retry.",
		ReasonPlatformError:    "The device could not provide a location. Please retry.",
		ReasonUnknown:          "Location is currently unavailable.",
	},
	"ja": {
		ReasonPermissionDenied: "位置情報の権限がありません。設定で位置情報へのアクセスを許可してください。",
		ReasonServiceDisabled:  "位置情報サービスがオフです。位置情報サービスを有効にしてください。",
		ReasonTimeout:          "位置情報の取得がタイムアウトしました。見通しの良い場所で再試行してください。",
		ReasonPlatformError:    "端末から位置情報を取得できませんでした。再試行してください。",
		ReasonUnknown:          "現在、位置情報を利用できません。",
	},
}

// UserMessage returns an actionable, localized message for a location
// failure reason. Unknown languages fall back to English.
func UserMessage(reason Reason, languageCode string) string {
	msgs, ok := locationMessages[languageCode]
	if !ok {
		msgs = locationMessages["en"]
	}
	if m, ok := msgs[reason]; ok {
		return m
	}
	return msgs[ReasonUnknown]
}

// Describe formats err for logs when it may not be an *Error.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Error()
	}
	return fmt.Sprintf("unclassified: %v", err)
}
