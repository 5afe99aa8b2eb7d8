package extract

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies why an extraction failed.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindParse
	KindAuthentication
	KindTimeout
	KindBackendUnavailable
)

var kindNames = map[ErrorKind]string{
	KindInternal:           "internal",
	KindParse:              "parse_error",
	KindAuthentication:     "authentication_error",
	KindTimeout:            "timeout",
	KindBackendUnavailable: "backend_unavailable",
}

func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

func (k ErrorKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// ParseKind is the inverse of ErrorKind.String.
func ParseKind(s string) (ErrorKind, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, name := range kindNames {
		if name == s {
			return k, true
		}
	}
	return KindInternal, false
}

// Error is a classified extraction failure.
type Error struct {
	Kind   ErrorKind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Detail != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	case e.Detail != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds a classified error with a formatted detail.
func Errorf(kind ErrorKind, format string, args ...any) error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind. A nil err yields nil.
func Wrap(kind ErrorKind, detail string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Detail: detail, Err: err}
}

// Classify maps any error returned by an Extractor to a kind and a
// human-readable detail. Unclassified errors become KindInternal.
func Classify(err error) (ErrorKind, string) {
	if err == nil {
		return KindInternal, ""
	}
	var ee *Error
	if errors.As(err, &ee) {
		detail := ee.Detail
		if detail == "" && ee.Err != nil {
			detail = ee.Err.Error()
		}
		return ee.Kind, detail
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout, "extraction timed out"
	}
	return KindInternal, err.Error()
}
