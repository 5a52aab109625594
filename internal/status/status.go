// Package status defines the runtime's error taxonomy. Every failure that
// crosses a component boundary carries a Code so callers can decide between
// retrying, falling back, or giving up without string matching.
package status

import (
	"errors"
	"fmt"
)

// Code classifies a runtime outcome.
type Code int

const (
	Success Code = iota
	// ParamInvalid is a caller error; nothing was touched.
	ParamInvalid
	// ShapeMismatch is a caller error; nothing was touched.
	ShapeMismatch
	// MemoryAllocationFailed is reported as DEVICE_MEMORY_OPERATE_FAILED once
	// the allocator's single reclaim-and-retry has also failed.
	MemoryAllocationFailed
	// KernelLaunchFailed is fatal for the current task and never retried.
	KernelLaunchFailed
	// StreamSyncTimeout fails the current iteration only.
	StreamSyncTimeout
	// EndOfSequence is a normal loop-termination signal.
	EndOfSequence
	// BatchCopyUnsupported triggers the per-tensor copy fallback.
	BatchCopyUnsupported
	// FeatureNotSupported is the hardware's generic "not supported" answer.
	FeatureNotSupported
	// KernelFault is an asynchronous device fault observed at sync time.
	KernelFault
	// Stopped means the component was stopped or reset while waiting.
	Stopped
	Internal
)

var codeNames = map[Code]string{
	Success:                "SUCCESS",
	ParamInvalid:           "PARAM_INVALID",
	ShapeMismatch:          "SHAPE_MISMATCH",
	MemoryAllocationFailed: "DEVICE_MEMORY_OPERATE_FAILED",
	KernelLaunchFailed:     "KERNEL_LAUNCH_FAILED",
	StreamSyncTimeout:      "STREAM_SYNC_TIMEOUT",
	EndOfSequence:          "END_OF_SEQUENCE",
	BatchCopyUnsupported:   "BATCH_COPY_UNSUPPORTED",
	FeatureNotSupported:    "FEATURE_NOT_SUPPORTED",
	KernelFault:            "KERNEL_FAULT",
	Stopped:                "STOPPED",
	Internal:               "INTERNAL_ERROR",
}

func (c Code) String() string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return fmt.Sprintf("STATUS(%d)", int(c))
}

// Error is a coded runtime failure.
type Error struct {
	Code Code
	// Op names the operation that failed, e.g. "allocate" or "launch add".
	Op  string
	Err error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return e.Code.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same code, so the sentinels below work
// with errors.Is regardless of Op and wrapped cause.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) && t.Op == "" && t.Err == nil {
		return t.Code == e.Code
	}
	return false
}

// New builds a coded error.
func New(code Code, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

// Errorf builds a coded error with a formatted cause.
func Errorf(code Code, op, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Err: fmt.Errorf(format, args...)}
}

// Sentinels for errors.Is.
var (
	ErrParamInvalid         = &Error{Code: ParamInvalid}
	ErrShapeMismatch        = &Error{Code: ShapeMismatch}
	ErrMemoryAllocation     = &Error{Code: MemoryAllocationFailed}
	ErrKernelLaunch         = &Error{Code: KernelLaunchFailed}
	ErrStreamSyncTimeout    = &Error{Code: StreamSyncTimeout}
	ErrEndOfSequence        = &Error{Code: EndOfSequence}
	ErrBatchCopyUnsupported = &Error{Code: BatchCopyUnsupported}
	ErrFeatureNotSupported  = &Error{Code: FeatureNotSupported}
	ErrKernelFault          = &Error{Code: KernelFault}
	ErrStopped              = &Error{Code: Stopped}
	ErrInternal             = &Error{Code: Internal}
)

// CodeOf extracts the code of err. nil maps to Success and uncoded errors
// map to Internal.
func CodeOf(err error) Code {
	if err == nil {
		return Success
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}

// IsEOS reports whether err is the end-of-sequence signal.
func IsEOS(err error) bool {
	return CodeOf(err) == EndOfSequence
}
