// Package errors provides structured error handling for the auth service.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Account errors
	CodeAccountEmptyUsername   Code = "ACCOUNT_EMPTY_USERNAME"
	CodeAccountInvalidUsername Code = "ACCOUNT_INVALID_USERNAME"
	CodeAccountUnavailable     Code = "ACCOUNT_UNAVAILABLE"

	// Challenge errors
	CodeChallengeNotFound     Code = "CHALLENGE_NOT_FOUND"
	CodeChallengeExpired      Code = "CHALLENGE_EXPIRED"
	CodeChallengeAlreadyUsed  Code = "CHALLENGE_ALREADY_USED"
	CodeChallengeKindMismatch Code = "CHALLENGE_KIND_MISMATCH"

	// Credential errors
	CodeCredentialDuplicate Code = "CREDENTIAL_DUPLICATE"
	CodeCredentialNotFound  Code = "CREDENTIAL_NOT_FOUND"
	CodeCredentialNotOwner  Code = "CREDENTIAL_NOT_OWNER"

	// Recovery code errors
	CodeRecoveryFailed Code = "RECOVERY_FAILED"

	// Session errors
	CodeSessionExpired Code = "SESSION_EXPIRED"
	CodeSessionUnknown Code = "SESSION_UNKNOWN"

	// Assertion verification errors
	CodeAuthenticationFailed Code = "AUTHENTICATION_FAILED"

	// Storage errors
	CodeNotFound Code = "NOT_FOUND"
	CodeConflict Code = "CONFLICT"
	CodeBusy     Code = "BUSY"
)

// HTTPStatus maps domain codes to HTTP status codes.
func (c Code) HTTPStatus() int {
	switch c {
	// Bad request - validation failures, bad input
	case CodeAccountEmptyUsername,
		CodeAccountInvalidUsername,
		CodeChallengeKindMismatch:
		return http.StatusBadRequest

	// Not found - resource doesn't exist, or must look like it doesn't
	case CodeNotFound,
		CodeAccountUnavailable,
		CodeChallengeNotFound,
		CodeCredentialNotFound:
		return http.StatusNotFound

	// Conflict - single-use state already consumed, unique constraints
	case CodeConflict,
		CodeChallengeAlreadyUsed,
		CodeCredentialDuplicate:
		return http.StatusConflict

	// Unauthorized - failed or expired authentication material
	case CodeAuthenticationFailed,
		CodeRecoveryFailed,
		CodeSessionExpired,
		CodeSessionUnknown:
		return http.StatusUnauthorized

	// Gone - challenge past its TTL
	case CodeChallengeExpired:
		return http.StatusGone

	// Forbidden - caller does not own the resource
	case CodeCredentialNotOwner:
		return http.StatusForbidden

	case CodeBusy:
		return http.StatusServiceUnavailable

	default:
		return http.StatusInternalServerError
	}
}
