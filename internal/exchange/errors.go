package exchange

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes the client has to branch on.
const (
	CodeLeverageUnchanged = -4046
	CodeHedgeModeNoChange = -4059
	CodeTooManyRequests   = -1003
	CodeDisconnected      = -1001
	CodeTimeout           = -1007
)

// APIError is a rejection from the exchange carrying its machine-readable code.
type APIError struct {
	Code       int
	Message    string
	HTTPStatus int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange error %d (http %d): %s", e.Code, e.HTTPStatus, e.Message)
}

// Transient reports whether the caller should retry on a later cycle.
func (e *APIError) Transient() bool {
	switch e.Code {
	case CodeTooManyRequests, CodeDisconnected, CodeTimeout:
		return true
	}
	return e.HTTPStatus == http.StatusTooManyRequests || e.HTTPStatus >= 500
}

// IsAlreadySet reports whether err is the exchange refusing a setup call
// because the requested value is already in effect. Callers treat this as
// success.
func IsAlreadySet(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == CodeLeverageUnchanged || apiErr.Code == CodeHedgeModeNoChange
}

// IsTransient reports whether err is worth retrying on a later cycle.
func IsTransient(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Transient()
}
