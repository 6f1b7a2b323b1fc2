// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

// Package fault classifies the errors that abort a capture run.
package fault

import (
	"context"
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
	pkgerrors "github.com/pkg/errors"
)

type Kind int

const (
	KindTimeout Kind = iota + 1
	KindExhausted
	KindDataIntegrity
	KindPrecondition
	KindInterrupted
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindExhausted:
		return "exhausted"
	case KindDataIntegrity:
		return "data_integrity"
	case KindPrecondition:
		return "precondition"
	case KindInterrupted:
		return "interrupted"
	}
	return "unknown"
}

func (k Kind) class() error {
	switch k {
	case KindTimeout:
		return context.DeadlineExceeded
	case KindExhausted:
		return errdefs.ErrResourceExhausted
	case KindDataIntegrity:
		return errdefs.ErrDataLoss
	case KindPrecondition:
		return errdefs.ErrFailedPrecondition
	case KindInterrupted:
		return context.Canceled
	}
	return errdefs.ErrUnknown
}

// Error is a classified run failure. Error() is the bare message so callers
// and operators see exactly what the step reported.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Msg + ": " + e.Cause.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Kind.class(), e.Cause}
	}
	return []error{e.Kind.class()}
}

func newError(kind Kind, cause error, format string, args ...any) error {
	return pkgerrors.WithStack(&Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Cause: cause})
}

func Timeout(format string, args ...any) error {
	return newError(KindTimeout, nil, format, args...)
}

func Exhausted(cause error, format string, args ...any) error {
	return newError(KindExhausted, cause, format, args...)
}

func DataIntegrity(format string, args ...any) error {
	return newError(KindDataIntegrity, nil, format, args...)
}

func Precondition(cause error, format string, args ...any) error {
	return newError(KindPrecondition, cause, format, args...)
}

func Interrupted(cause error) error {
	return newError(KindInterrupted, cause, "interrupted")
}

// KindOf reports the fault kind of err, or 0 when err is not classified.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return KindInterrupted
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errdefs.IsDataLoss(err):
		return KindDataIntegrity
	case errdefs.IsResourceExhausted(err):
		return KindExhausted
	case errdefs.IsFailedPrecondition(err):
		return KindPrecondition
	}
	return 0
}

// Label is KindOf rendered for log and metric labels.
func Label(err error) string {
	if err == nil {
		return "success"
	}
	if k := KindOf(err); k != 0 {
		return k.String()
	}
	return "error"
}
