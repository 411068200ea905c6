package errs

import (
	"errors"
	"fmt"
)

// Error codes surfaced on the HTTP boundary.
const (
	CodeArgs         = 1001 // bad caller input, not retryable
	CodeUnauthorized = 1002 // rejected, not retryable, not a bug
	CodeInternal     = 1500 // server-side failure
)

var (
	ErrArgs         = NewCodeError(CodeArgs, "invalid argument")
	ErrUnauthorized = NewCodeError(CodeUnauthorized, "unauthorized")
	ErrInternal     = NewCodeError(CodeInternal, "internal error")
)

type CodeError struct {
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
	Detail string `json:"detail,omitempty"`
}

func NewCodeError(code int, msg string) *CodeError {
	return &CodeError{Code: code, Msg: msg}
}

func (e *CodeError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("[%d] %s", e.Code, e.Msg)
	}
	return fmt.Sprintf("[%d] %s: %s", e.Code, e.Msg, e.Detail)
}

// WrapMsg returns a copy carrying extra detail; the original sentinel stays
// comparable through errors.Is.
func (e *CodeError) WrapMsg(format string, args ...any) error {
	detail := fmt.Sprintf(format, args...)
	if e.Detail != "" {
		detail = e.Detail + ", " + detail
	}
	return &CodeError{Code: e.Code, Msg: e.Msg, Detail: detail}
}

func (e *CodeError) Is(target error) bool {
	var ce *CodeError
	if !errors.As(target, &ce) {
		return false
	}
	return ce.Code == e.Code
}

// Code extracts the code of err, or CodeInternal when err carries none.
func Code(err error) int {
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CodeInternal
}
