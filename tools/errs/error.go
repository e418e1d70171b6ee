package errs

import (
	"bytes"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

type Error interface {
	Is(err error) bool
	Wrap() error
	WrapMsg(msg string, kv ...any) error
	error
}

func New(s string, kv ...any) Error {
	return &errorString{
		s: toString(s, kv),
	}
}

type errorString struct {
	s string
}

func (e *errorString) Error() string {
	return e.s
}

func (e *errorString) Is(err error) bool {
	if err == nil {
		return false
	}
	var t *errorString
	ok := pkgerrors.As(err, &t)
	return ok && e.s == t.s
}

func (e *errorString) Wrap() error {
	return pkgerrors.WithStack(e)
}

func (e *errorString) WrapMsg(msg string, kv ...any) error {
	return WrapMsg(e, msg, kv...)
}

type ErrWrapper interface {
	Is(err error) bool
	Wrap() error
	Unwrap() error
	WrapMsg(msg string, kv ...any) error
	error
}

func NewErrorWrapper(err error, s string) ErrWrapper {
	return &errorWrapper{error: err, s: s}
}

type errorWrapper struct {
	error
	s string
}

func (e *errorWrapper) Is(err error) bool {
	if err == nil {
		return false
	}
	var t *errorWrapper
	ok := pkgerrors.As(err, &t)
	return ok && e.s == t.s
}

func (e *errorWrapper) Error() string {
	if e.s == "" {
		return e.error.Error()
	}
	return e.s + ": " + e.error.Error()
}

func (e *errorWrapper) Wrap() error {
	return pkgerrors.WithStack(e)
}

func (e *errorWrapper) WrapMsg(msg string, kv ...any) error {
	return WrapMsg(e, msg, kv...)
}

func (e *errorWrapper) Unwrap() error {
	return e.error
}

func toString(s string, kv []any) string {
	if len(kv) == 0 {
		return s
	}
	var buf bytes.Buffer
	buf.WriteString(s)
	for i := 0; i < len(kv); i += 2 {
		if buf.Len() > 0 {
			buf.WriteString(", ")
		}
		buf.WriteString(fmt.Sprint(kv[i]))
		buf.WriteString("=")
		if i+1 < len(kv) {
			buf.WriteString(fmt.Sprint(kv[i+1]))
		} else {
			buf.WriteString("MISSING")
		}
	}
	return buf.String()
}
