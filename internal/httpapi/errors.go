package httpapi

import (
	"errors"
	"net/http"

	"github.com/MarkoPoloResearchLab/entitlements/pkg/entitlement"
	"github.com/gin-gonic/gin"
)

const (
	errorCodeUnauthorized   = "unauthorized"
	errorCodeInvalidPayload = "invalid_payload"
	errorCodeInternal       = "internal_error"
	errorCodeConflict       = "conflict"

	messageUnauthorized        = "Sign in to continue."
	messageInvalidPayload      = "The request could not be read."
	messageInternal            = "Something went wrong. Please try again later."
	messageConflict            = "The request collided with another update. Please try again."
	messageInsufficientCredits = "You are out of credits. Upgrade your plan or wait for your monthly reset."
)

type errorMapping struct {
	target  error
	status  int
	message string
}

var redemptionErrors = []errorMapping{
	{entitlement.ErrInvalidCode, http.StatusNotFound, "That code is not valid. Check it and try again."},
	{entitlement.ErrCodeInactive, http.StatusBadRequest, "That code is no longer active."},
	{entitlement.ErrCodeExhausted, http.StatusBadRequest, "That code has been fully redeemed."},
	{entitlement.ErrCodeExpired, http.StatusBadRequest, "That code has expired."},
	{entitlement.ErrAlreadyRedeemed, http.StatusBadRequest, "You have already used this code."},
}

// StatusForDebitError maps a debit failure to an HTTP status and a
// user-facing message. Feature modules use it after a failed Debit call.
func StatusForDebitError(err error) (int, string) {
	switch {
	case err == nil:
		return http.StatusOK, ""
	case errors.Is(err, entitlement.ErrInsufficientBalance):
		return http.StatusPaymentRequired, messageInsufficientCredits
	case entitlement.IsRetryable(err):
		return http.StatusConflict, messageConflict
	case entitlement.IsValidationError(err):
		return http.StatusBadRequest, messageInvalidPayload
	default:
		return http.StatusInternalServerError, messageInternal
	}
}

// redemptionFailure resolves status, code, and message for a redemption error.
func redemptionFailure(err error) (int, string, string) {
	for _, mapping := range redemptionErrors {
		if errors.Is(err, mapping.target) {
			return mapping.status, entitlement.ErrorKind(err), mapping.message
		}
	}
	if entitlement.IsRetryable(err) {
		return http.StatusConflict, errorCodeConflict, messageConflict
	}
	if entitlement.IsValidationError(err) {
		return http.StatusBadRequest, errorCodeInvalidPayload, messageInvalidPayload
	}
	return http.StatusInternalServerError, errorCodeInternal, messageInternal
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"success": false,
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
