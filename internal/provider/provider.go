// Package provider abstracts the email provider's send API. The dispatcher
// depends only on the Client interface; SparkPost and SES implementations
// live alongside it.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ignite/mailflow/internal/domain"
)

// Client submits one message to the provider for delivery.
type Client interface {
	Send(ctx context.Context, msg *domain.OutboundMessage) (*SendReceipt, error)
}

// SendReceipt is returned on a successful provider call.
type SendReceipt struct {
	ProviderMessageID string
	AcceptedAt        time.Time
}

// Error is a provider failure with enough context for the dispatcher to
// classify it. Retryable maps 5xx and 429; everything else (validation,
// auth) is permanent. RetryAfter carries the provider's advertised reset
// delay when it sent one (429 responses), zero otherwise.
type Error struct {
	Code       string
	HTTPStatus int
	Retryable  bool
	RetryAfter time.Duration
	Message    string
}

func (e *Error) Error() string {
	if e.HTTPStatus > 0 {
		return fmt.Sprintf("provider error %s (http %d): %s", e.Code, e.HTTPStatus, e.Message)
	}
	return fmt.Sprintf("provider error %s: %s", e.Code, e.Message)
}

// RetryableStatus reports whether an HTTP status indicates a transient
// failure worth retrying: 429 and all 5xx.
func RetryableStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || statusCode >= 500
}

// NewHTTPError builds an Error from a provider HTTP response, classifying
// retryability from the status code.
func NewHTTPError(code string, statusCode int, message string) *Error {
	return &Error{
		Code:       code,
		HTTPStatus: statusCode,
		Retryable:  RetryableStatus(statusCode),
		Message:    message,
	}
}

// NewTransportError wraps a network or timeout failure. The request may or
// may not have reached the provider, so it is treated as retryable.
func NewTransportError(err error) *Error {
	return &Error{
		Code:      "transport",
		Retryable: true,
		Message:   err.Error(),
	}
}

// IsRetryable reports whether err is a provider error marked retryable.
// Non-provider errors (context cancellation, programming errors) are not.
func IsRetryable(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Retryable
}

// RetryAfterOf extracts the provider's advertised retry delay, if any.
func RetryAfterOf(err error) (time.Duration, bool) {
	var pe *Error
	if errors.As(err, &pe) && pe.RetryAfter > 0 {
		return pe.RetryAfter, true
	}
	return 0, false
}
