// Package apperr carries the orchestrator's error taxonomy: a kind that tells
// callers whether retrying can help, and a stable reason code for denials.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

type Kind string

const (
	KindValidation Kind = "VALIDATION"
	KindNotFound   Kind = "NOT_FOUND"
	KindConflict   Kind = "CONFLICT"
	KindBlocked    Kind = "BLOCKED"
	KindTransient  Kind = "TRANSIENT"
	KindFatal      Kind = "FATAL"
)

type Code string

const (
	CodeInvalidInput            Code = "INVALID_INPUT"
	CodeInvalidTransition       Code = "INVALID_TRANSITION"
	CodeNotFound                Code = "NOT_FOUND"
	CodeBotExists               Code = "BOT_EXISTS"
	CodeJobConflict             Code = "JOB_CONFLICT"
	CodeStageConflict           Code = "STAGE_CONFLICT"
	CodeStageLocked             Code = "STAGE_LOCKED"
	CodeGateBlocked             Code = "GATE_BLOCKED"
	CodeAutonomyBlocked         Code = "AUTONOMY_BLOCKED"
	CodeDualControlRequired     Code = "DUAL_CONTROL_REQUIRED"
	CodeTokenExpired            Code = "TOKEN_EXPIRED"
	CodeTokenInvalid            Code = "TOKEN_INVALID"
	CodeTokenBotMismatch        Code = "TOKEN_BOT_MISMATCH"
	CodeTokenActionMismatch     Code = "TOKEN_ACTION_MISMATCH"
	CodeTokenConsumed           Code = "TOKEN_CONSUMED"
	CodeAlreadyKilled           Code = "ALREADY_KILLED"
	CodeBotKilled               Code = "BOT_KILLED"
	CodeMakerCheckerViolation   Code = "MAKER_CHECKER_VIOLATION"
	CodeApprovalResolved        Code = "APPROVAL_RESOLVED"
	CodeApprovalExpired         Code = "APPROVAL_EXPIRED"
	CodeApprovalPending         Code = "APPROVAL_PENDING"
	CodeNotRequester            Code = "NOT_REQUESTER"
	CodeLiveDemotionUnconfirmed Code = "LIVE_DEMOTION_UNCONFIRMED"
	CodeSystemPowerOff          Code = "SYSTEM_POWER_OFF"
	CodeManualPromotionOnly     Code = "MANUAL_PROMOTION_ONLY"
	CodeStorageUnavailable      Code = "STORAGE_UNAVAILABLE"
	CodeCollaboratorFailed      Code = "COLLABORATOR_FAILED"
)

// Error is a classified orchestrator error. Reasons carries the collaborator's
// reason codes when a gate or check denies an action.
type Error struct {
	Kind    Kind
	Code    Code
	Message string
	Hint    string
	Reasons []string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if len(e.Reasons) > 0 {
		b.WriteString(" [")
		b.WriteString(strings.Join(e.Reasons, ","))
		b.WriteString("]")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// WithHint returns e with a remediation hint attached.
func (e *Error) WithHint(hint string) *Error {
	e.Hint = hint
	return e
}

// WithReasons returns e with collaborator reason codes attached.
func (e *Error) WithReasons(reasons ...string) *Error {
	e.Reasons = append(e.Reasons, reasons...)
	return e
}

func New(kind Kind, code Code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...any) *Error {
	return New(KindValidation, CodeInvalidInput, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, CodeNotFound, format, args...)
}

func Conflict(code Code, format string, args ...any) *Error {
	return New(KindConflict, code, format, args...)
}

func Blocked(code Code, format string, args ...any) *Error {
	return New(KindBlocked, code, format, args...)
}

// Fatal wraps a storage or collaborator failure. Callers must fail closed.
func Fatal(err error, format string, args ...any) *Error {
	e := New(KindFatal, CodeStorageUnavailable, format, args...)
	e.Err = err
	return e
}

// As extracts the *Error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf classifies err. Unclassified errors are FATAL so that unknown
// failures deny rather than assume success.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindFatal
}

// CodeOf returns the reason code of err, or STORAGE_UNAVAILABLE for
// unclassified errors.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	if e, ok := As(err); ok {
		return e.Code
	}
	return CodeStorageUnavailable
}

// Is reports whether err carries the given reason code.
func Is(err error, code Code) bool {
	e, ok := As(err)
	return ok && e.Code == code
}
