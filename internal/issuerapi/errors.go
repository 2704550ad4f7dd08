package issuerapi

import (
	"errors"
	"fmt"
)

// Reserved error codes. Remote codes outside this list are passed through verbatim.
const (
	CodeNetwork           = 0
	CodeInvalidRequest    = 4000
	CodeInsufficientFunds = 4001
	CodeNotFound          = 4004
	CodeDuplicateOrder    = 4009
	CodeCardNotActive     = 4010
)

// APIError is returned for every failed issuer call, in both modes.
// Code 0 means the call never produced an application response.
type APIError struct {
	Code    int
	Message string
	Raw     []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("issuer api error %d: %s", e.Code, e.Message)
}

// Is matches another *APIError by code, so errors.Is(err, ErrInsufficientFunds) works.
func (e *APIError) Is(target error) bool {
	var t *APIError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrInsufficientFunds = &APIError{Code: CodeInsufficientFunds, Message: "insufficient merchant balance"}
	ErrDuplicateOrder    = &APIError{Code: CodeDuplicateOrder, Message: "duplicate merchant order number"}
	ErrNotFound          = &APIError{Code: CodeNotFound, Message: "not found"}
	ErrCardNotActive     = &APIError{Code: CodeCardNotActive, Message: "card is not active"}
)

func newError(code int, format string, args ...any) *APIError {
	return &APIError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Code extracts the issuer error code. ok is false for non-issuer errors.
func Code(err error) (code int, ok bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code, true
	}
	return 0, false
}
