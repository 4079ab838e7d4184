package tensor

import (
	"errors"
	"fmt"
)

// ErrorKind classifies engine errors.
type ErrorKind int

// Error kinds.
const (
	KindShape ErrorKind = iota + 1
	KindDtype
	KindDevice
	KindFormat
	KindIndex
	KindMissingGradient
	KindNotFound
	KindShapeMismatch
)

// String returns the error kind name.
func (k ErrorKind) String() string {
	switch k {
	case KindShape:
		return "shape error"
	case KindDtype:
		return "dtype error"
	case KindDevice:
		return "device error"
	case KindFormat:
		return "format error"
	case KindIndex:
		return "index error"
	case KindMissingGradient:
		return "missing gradient rule"
	case KindNotFound:
		return "not found"
	case KindShapeMismatch:
		return "shape mismatch"
	default:
		return fmt.Sprintf("error kind %d", int(k))
	}
}

// Sentinel errors, one per kind. Use errors.Is to classify a returned error.
var (
	ErrShape           = &Error{Kind: KindShape}
	ErrDtype           = &Error{Kind: KindDtype}
	ErrDevice          = &Error{Kind: KindDevice}
	ErrFormat          = &Error{Kind: KindFormat}
	ErrIndex           = &Error{Kind: KindIndex}
	ErrMissingGradient = &Error{Kind: KindMissingGradient}
	ErrNotFound        = &Error{Kind: KindNotFound}
	ErrShapeMismatch   = &Error{Kind: KindShapeMismatch}
)

// Error is the error value returned by every engine operation.
type Error struct {
	Kind ErrorKind
	Op   string // Operation that failed, e.g. "add" or "gguf.read".
	Msg  string
	Err  error // Underlying cause, if any.
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Msg != "" {
		msg += ": " + e.Msg
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

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Msg == "" && t.Err == nil
}

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

func newError(kind ErrorKind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// ShapeErrorf returns a ShapeError for op.
func ShapeErrorf(op, format string, args ...any) error {
	return newError(KindShape, op, format, args...)
}

// DtypeErrorf returns a DtypeError for op.
func DtypeErrorf(op, format string, args ...any) error {
	return newError(KindDtype, op, format, args...)
}

// DeviceErrorf returns a DeviceError for op.
func DeviceErrorf(op, format string, args ...any) error {
	return newError(KindDevice, op, format, args...)
}

// FormatErrorf returns a FormatError for op.
func FormatErrorf(op, format string, args ...any) error {
	return newError(KindFormat, op, format, args...)
}

// IndexErrorf returns an IndexError for op.
func IndexErrorf(op, format string, args ...any) error {
	return newError(KindIndex, op, format, args...)
}

// NotFoundErrorf returns a NotFound error for op.
func NotFoundErrorf(op, format string, args ...any) error {
	return newError(KindNotFound, op, format, args...)
}

// ShapeMismatchErrorf returns a ShapeMismatch error for op.
func ShapeMismatchErrorf(op, format string, args ...any) error {
	return newError(KindShapeMismatch, op, format, args...)
}

// MissingGradientErrorf returns a MissingGradientRule error for op.
func MissingGradientErrorf(op, format string, args ...any) error {
	return newError(KindMissingGradient, op, format, args...)
}

// WrapError attaches a kind to an underlying cause, e.g. an io error hit while decoding.
func WrapError(kind ErrorKind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}
