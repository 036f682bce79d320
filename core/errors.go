package core

import (
	"context"
	"errors"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

const (
	PoolErrorDuplicateCredential   = "POOL_DUPLICATE_CREDENTIAL"
	PoolErrorExchangeFailed        = "POOL_EXCHANGE_FAILED"
	PoolErrorProjectCreationFailed = "POOL_PROJECT_CREATION_FAILED"
	PoolErrorBalanceFetchFailed    = "POOL_BALANCE_FETCH_FAILED"
	PoolErrorNoAvailableCredential = "POOL_NO_AVAILABLE_CREDENTIAL"
	PoolErrorCredentialNotFound    = "POOL_CREDENTIAL_NOT_FOUND"
	PoolErrorBadInput              = "POOL_BAD_INPUT"
	PoolErrorInternal              = "POOL_INTERNAL_ERROR"
)

var (
	ErrDuplicateCredential   = errors.New("core: session secret already registered")
	ErrExchangeFailed        = errors.New("core: session secret exchange failed")
	ErrProjectCreationFailed = errors.New("core: project creation failed")
	ErrBalanceFetchFailed    = errors.New("core: balance fetch failed")
	ErrNoAvailableCredential = errors.New("core: no available credential")
	ErrCredentialNotFound    = errors.New("core: credential not found")
	ErrInvalidCapability     = errors.New("core: capability is invalid")
)

func serviceErrorMapper(err error) *goerrors.Error {
	if err == nil {
		return nil
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return ensureServiceErrorEnvelope(richErr)
	}

	switch {
	case errors.Is(err, ErrDuplicateCredential):
		return newServiceError(err.Error(), goerrors.CategoryConflict, PoolErrorDuplicateCredential)
	case errors.Is(err, ErrExchangeFailed):
		return newServiceError(err.Error(), goerrors.CategoryExternal, PoolErrorExchangeFailed)
	case errors.Is(err, ErrProjectCreationFailed):
		return newServiceError(err.Error(), goerrors.CategoryExternal, PoolErrorProjectCreationFailed)
	case errors.Is(err, ErrBalanceFetchFailed):
		return newServiceError(err.Error(), goerrors.CategoryExternal, PoolErrorBalanceFetchFailed)
	case errors.Is(err, ErrNoAvailableCredential):
		return newServiceError(err.Error(), goerrors.CategoryRateLimit, PoolErrorNoAvailableCredential)
	case errors.Is(err, ErrCredentialNotFound):
		return newServiceError(err.Error(), goerrors.CategoryNotFound, PoolErrorCredentialNotFound)
	case errors.Is(err, ErrInvalidCapability):
		return newServiceError(err.Error(), goerrors.CategoryBadInput, PoolErrorBadInput)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return newServiceError(err.Error(), goerrors.CategoryOperation, PoolErrorInternal)
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.Contains(msg, "required"), strings.Contains(msg, "invalid"), strings.Contains(msg, "must be"):
		return newServiceError(err.Error(), goerrors.CategoryBadInput, PoolErrorBadInput)
	}

	mapped := goerrors.MapToError(err, goerrors.DefaultErrorMappers())
	return ensureServiceErrorEnvelope(mapped)
}

func newServiceError(message string, category goerrors.Category, textCode string) *goerrors.Error {
	return ensureServiceErrorEnvelope(
		goerrors.New(message, category).
			WithTextCode(textCode),
	)
}

func ensureServiceErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = serviceHTTPStatus(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultServiceTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func defaultServiceTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return PoolErrorBadInput
	case goerrors.CategoryNotFound:
		return PoolErrorCredentialNotFound
	case goerrors.CategoryConflict:
		return PoolErrorDuplicateCredential
	case goerrors.CategoryRateLimit:
		return PoolErrorNoAvailableCredential
	case goerrors.CategoryExternal:
		return PoolErrorExchangeFailed
	default:
		return PoolErrorInternal
	}
}

func serviceHTTPStatus(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	case goerrors.CategoryExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// HasTextCode reports whether err maps to a pool error with the given text code.
func HasTextCode(err error, textCode string) bool {
	if err == nil {
		return false
	}
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) {
		richErr = serviceErrorMapper(err)
	}
	return richErr != nil && richErr.TextCode == textCode
}

// IsNoAvailableCredential reports the backpressure outcome of credential selection.
func IsNoAvailableCredential(err error) bool {
	return errors.Is(err, ErrNoAvailableCredential) || HasTextCode(err, PoolErrorNoAvailableCredential)
}
