// Package errs defines the error taxonomy shared by the service and HTTP layers.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindAuthorization Kind = "authorization"
	KindForbidden     Kind = "forbidden"
	KindValidation    Kind = "validation"
	KindConflict      Kind = "conflict"
	KindState         Kind = "state"
	KindUpstream      Kind = "upstream"
	KindNotFound      Kind = "not_found"
)

// Machine-readable reasons.
const (
	ReasonInvalidSigningToken = "invalid_signing_token"
	ReasonTenantMismatch      = "tenant_mismatch"
	ReasonMissingField        = "missing_field"
	ReasonInvalidField        = "invalid_field"
	ReasonDeviceAlreadyBound  = "device_already_bound"
	ReasonSigningOrderBlocked = "signing_order_blocked"
	ReasonVerificationActive  = "verification_in_review"
	ReasonInvalidToken        = "invalid_token"
	ReasonTokenAlreadyUsed    = "token_already_used"
	ReasonTokenExpired        = "token_expired"
	ReasonNotApproved         = "not_approved"
	ReasonNotVerified         = "not_verified"
	ReasonTokenMissing        = "token_missing"
	ReasonDeviceMismatch      = "device_mismatch"
	ReasonTTLExpired          = "ttl_expired"
	ReasonDeadlinePassed      = "deadline_passed"
	ReasonDocumentClosed      = "document_closed"
	ReasonAlreadySigned       = "already_signed"
	ReasonStatusTransition    = "invalid_status_transition"
	ReasonProviderFailed      = "provider_error"
	ReasonNotFound            = "not_found"
	ReasonNotConfigured       = "not_configured"
	ReasonNotRequired         = "verification_not_required"
	ReasonInvalidSignature    = "invalid_signature"
)

type Error struct {
	Kind    Kind
	Reason  string
	Message string
	// Status is the upstream HTTP status for KindUpstream.
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Reason, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

func Unauthorized(reason, msg string) *Error {
	return &Error{Kind: KindAuthorization, Reason: reason, Message: msg}
}

func Forbidden(reason, msg string) *Error {
	return &Error{Kind: KindForbidden, Reason: reason, Message: msg}
}

func Validation(reason, msg string) *Error {
	return &Error{Kind: KindValidation, Reason: reason, Message: msg}
}

func Conflict(reason, msg string) *Error {
	return &Error{Kind: KindConflict, Reason: reason, Message: msg}
}

func State(reason, msg string) *Error {
	return &Error{Kind: KindState, Reason: reason, Message: msg}
}

func NotFound(msg string) *Error {
	return &Error{Kind: KindNotFound, Reason: ReasonNotFound, Message: msg}
}

func Upstream(status int, msg string, err error) *Error {
	return &Error{Kind: KindUpstream, Reason: ReasonProviderFailed, Message: msg, Status: status, Err: err}
}

// As extracts an *Error from the chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// HasReason reports whether err carries the given reason.
func HasReason(err error, reason string) bool {
	e, ok := As(err)
	return ok && e.Reason == reason
}

func HTTPStatus(err error) int {
	e, ok := As(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case KindAuthorization:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindValidation, KindState:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindUpstream:
		if e.Status >= 400 && e.Status <= 599 {
			return e.Status
		}
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
