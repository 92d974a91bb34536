package domain

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so the orchestrator can decide whether to record
// it against an asset, skip a region, or abort the run.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindConfiguration
	KindNotFound
	KindTransient
	KindIntegrity
	KindAuthentication
	KindMalformedQuery
	KindUnreadableAsset
	KindReprojection
	KindNoValidPixels
	KindConstraintViolation
	KindStorageUnreachable
)

var kindNames = map[Kind]string{
	KindUnknown:             "unknown",
	KindConfiguration:       "configuration error",
	KindNotFound:            "not found",
	KindTransient:           "transient network failure",
	KindIntegrity:           "integrity failure",
	KindAuthentication:      "authentication failure",
	KindMalformedQuery:      "malformed query",
	KindUnreadableAsset:     "unreadable asset",
	KindReprojection:        "reprojection failure",
	KindNoValidPixels:       "no valid pixels",
	KindConstraintViolation: "constraint violation",
	KindStorageUnreachable:  "storage unreachable",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Error is a classified failure. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// Sentinels for errors.Is checks against a Kind.
var (
	ErrConfiguration       = &Error{Kind: KindConfiguration}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrTransient           = &Error{Kind: KindTransient}
	ErrIntegrity           = &Error{Kind: KindIntegrity}
	ErrAuthentication      = &Error{Kind: KindAuthentication}
	ErrMalformedQuery      = &Error{Kind: KindMalformedQuery}
	ErrUnreadableAsset     = &Error{Kind: KindUnreadableAsset}
	ErrReprojection        = &Error{Kind: KindReprojection}
	ErrNoValidPixels       = &Error{Kind: KindNoValidPixels}
	ErrConstraintViolation = &Error{Kind: KindConstraintViolation}
	ErrStorageUnreachable  = &Error{Kind: KindStorageUnreachable}
)

// E builds a classified error. A nil err yields a bare error of the given kind.
func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Kind, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf returns the Kind of the outermost classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Fatal reports whether err must abort the whole run.
func Fatal(err error) bool {
	switch KindOf(err) {
	case KindAuthentication, KindConfiguration, KindStorageUnreachable:
		return true
	}
	return false
}
