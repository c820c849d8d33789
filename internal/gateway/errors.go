package gateway

import (
	"context"
	"errors"
	"net/http"

	"github.com/marromugi/gch4-sub003/internal/domain"
	"github.com/marromugi/gch4-sub003/internal/schema"
)

// Transport error codes used alongside domain error kinds.
const (
	codeInvalidParams  = "invalid_params"
	codeMethodNotFound = "method_not_found"
	codeUnauthorized   = "unauthorized"
	codeCanceled       = "canceled"
	codeInternal       = "internal"
)

var kindStatus = map[domain.ErrorKind]int{
	domain.KindInvalid:                http.StatusBadRequest,
	domain.KindNotFound:               http.StatusNotFound,
	domain.KindConcurrencyConflict:    http.StatusConflict,
	domain.KindInvalidTransition:      http.StatusUnprocessableEntity,
	domain.KindPolicyState:            http.StatusUnprocessableEntity,
	domain.KindCapExceeded:            http.StatusUnprocessableEntity,
	domain.KindStreakThresholdReached: http.StatusUnprocessableEntity,
	domain.KindUpstreamTimeout:        http.StatusGatewayTimeout,
}

// errorShape converts an error into its wire form and HTTP status.
func errorShape(err error) (ErrorShape, int) {
	var ve *schema.ValidationError
	if errors.As(err, &ve) {
		return ErrorShape{Code: codeInvalidParams, Message: "document failed validation", Details: ve.Issues}, http.StatusBadRequest
	}
	if kind := domain.KindOf(err); kind != "" {
		status, ok := kindStatus[kind]
		if !ok {
			status = http.StatusInternalServerError
		}
		return ErrorShape{Code: string(kind), Message: err.Error(), Retryable: domain.IsRetryable(err)}, status
	}
	if errors.Is(err, context.Canceled) {
		return ErrorShape{Code: codeCanceled, Message: err.Error()}, 499
	}
	return ErrorShape{Code: codeInternal, Message: err.Error()}, http.StatusInternalServerError
}
