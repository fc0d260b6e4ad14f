// Package errors provides standardized error codes for the agentlink client.
//
// Error codes follow the format {domain}.{error} where:
//   - domain: The subsystem that generated the error (parse, pairing, security,
//     connection, session, approval, storage, keychain)
//   - error: The specific error type within that domain
//
// These codes are stable and can be used by UI layers and scripts for
// programmatic error handling. Human-readable messages are provided
// alongside codes.
package errors

import (
	"errors"
	"fmt"
)

// Error codes by domain.
// These are stable identifiers that callers can rely on for error handling.
const (
	// Parse domain - pairing URL parse failures. Always local, never retried.
	CodeParseInvalidURL    = "parse.invalid_url"     // URL could not be parsed at all
	CodeParseNotPairingURL = "parse.not_pairing_url" // URL lacks the /pair/<kind> path
	CodeParseMissingCode   = "parse.missing_code"    // Required code query parameter absent

	// Pairing domain - one-time-code exchange failures
	CodePairingInvalidCode     = "pairing.invalid_code"     // Code rejected by host (401)
	CodePairingRateLimited     = "pairing.rate_limited"     // Host throttled the attempt (429)
	CodePairingUnsupportedKind = "pairing.unsupported_kind" // Transport kind not recognized
	CodePairingBadResponse     = "pairing.bad_response"     // Malformed pairing response payload
	CodePairingRequestFailed   = "pairing.request_failed"   // Transport-level pairing failure

	// Security domain - trust violations. Never retried.
	CodeSecurityFingerprintMismatch = "security.fingerprint_mismatch" // Pinned cert digest differs

	// Connection domain - transport lifecycle errors
	CodeConnectionFailed = "connection.failed" // All connect attempts exhausted
	CodeConnectionClosed = "connection.closed" // Transport closed unexpectedly

	// Session domain - protocol session errors
	CodeSessionNotActive    = "session.not_active"    // Send without an established session
	CodeSessionCreateFailed = "session.create_failed" // createSession call failed
	CodeSessionResumeFailed = "session.resume_failed" // loadSession call failed
	CodeSessionPromptFailed = "session.prompt_failed" // prompt call failed

	// Approval domain - tool-permission request errors
	CodeApprovalNotFound      = "approval.not_found"      // Unknown or already-resolved request id
	CodeApprovalDuplicate     = "approval.duplicate"      // Request id already pending
	CodeApprovalInvalidOption = "approval.invalid_option" // Option id not offered by the request

	// Storage domain - database and persistence errors
	CodeStorageNotFound    = "storage.not_found"    // Agent or endpoint not found
	CodeStorageOpenFailed  = "storage.open_failed"  // Database open failed
	CodeStorageQueryFailed = "storage.query_failed" // Database query failed
	CodeStorageSaveFailed  = "storage.save_failed"  // Failed to save data

	// Keychain domain - credential store errors
	CodeKeychainNotFound   = "keychain.not_found"   // No credentials under the key
	CodeKeychainSealed     = "keychain.sealed"      // Stored blob failed authentication
	CodeKeychainSaveFailed = "keychain.save_failed" // Failed to persist credentials

	// General domain - catch-all errors
	CodeUnknown  = "error.unknown"  // Unknown error
	CodeInternal = "error.internal" // Internal client error
)

// CodedError wraps an error with a stable error code.
// This allows errors to carry both a code for programmatic handling
// and a message for human consumption.
type CodedError struct {
	Code    string // Stable error code (e.g., "pairing.invalid_code")
	Message string // Human-readable error message
	Cause   error  // Underlying error (may be nil)
}

// Error implements the error interface.
func (e *CodedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CodedError) Unwrap() error {
	return e.Cause
}

// New creates a new CodedError with the given code and message.
func New(code, message string) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new CodedError wrapping an existing error.
func Wrap(code, message string, cause error) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// GetCode extracts the error code from an error.
// If the error is a CodedError, returns its code.
// Falls back to CodeUnknown for unrecognized errors.
func GetCode(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}

	return CodeUnknown
}

// GetMessage extracts a human-readable message from an error.
// If the error is a CodedError, returns its message.
// Otherwise, returns the error's Error() string.
func GetMessage(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Message
	}

	return err.Error()
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code string) bool {
	return GetCode(err) == code
}

// Common error constructors for frequently used error types.

// InvalidURL creates a "parse.invalid_url" error.
func InvalidURL(raw string, cause error) *CodedError {
	return Wrap(CodeParseInvalidURL, fmt.Sprintf("not a valid pairing URL: %s", raw), cause)
}

// NotPairingURL creates a "parse.not_pairing_url" error.
func NotPairingURL(path string) *CodedError {
	return New(CodeParseNotPairingURL, fmt.Sprintf("URL path %q is not of the form /pair/<kind>", path))
}

// MissingCode creates a "parse.missing_code" error.
func MissingCode() *CodedError {
	return New(CodeParseMissingCode, "pairing URL has no code parameter")
}

// InvalidPairingCode creates a "pairing.invalid_code" error.
// This corresponds to an HTTP 401 from the pairing endpoint: the one-time
// code was wrong, already redeemed, or expired on the host side.
func InvalidPairingCode() *CodedError {
	return New(CodePairingInvalidCode, "pairing code is invalid or has expired - generate a new code on the host")
}

// PairingRateLimited creates a "pairing.rate_limited" error.
// One-time codes are short-lived and the host enforces attempt limits,
// so the right move is restarting the pairing ceremony, not retrying here.
func PairingRateLimited() *CodedError {
	return New(CodePairingRateLimited, "too many pairing attempts - restart pairing on the host and scan the new code")
}

// UnsupportedPairingKind creates a "pairing.unsupported_kind" error.
func UnsupportedPairingKind(kind string) *CodedError {
	return New(CodePairingUnsupportedKind, fmt.Sprintf("unsupported pairing transport %q - this client may be out of date", kind))
}

// BadPairingResponse creates a "pairing.bad_response" error.
func BadPairingResponse(cause error) *CodedError {
	return Wrap(CodePairingBadResponse, "host returned a malformed pairing response", cause)
}

// PairingRequestFailed creates a "pairing.request_failed" error.
func PairingRequestFailed(cause error) *CodedError {
	return Wrap(CodePairingRequestFailed, "pairing request failed", cause)
}

// FingerprintMismatch creates a "security.fingerprint_mismatch" error.
// Both fingerprints are named in the message so the user can see exactly
// what the host presented. This deliberately reads differently from an
// ordinary connectivity failure: a mismatch means the connection reached
// something presenting the wrong certificate.
func FingerprintMismatch(expected, received string) *CodedError {
	msg := fmt.Sprintf(
		"SECURITY: certificate fingerprint mismatch - expected %s but the server presented %s; this connection may be intercepted, do not retry until verified",
		expected, received,
	)
	return New(CodeSecurityFingerprintMismatch, msg)
}

// ConnectionFailed creates a "connection.failed" error naming the attempt count.
func ConnectionFailed(attempts int, cause error) *CodedError {
	msg := fmt.Sprintf("connection failed after %d attempts", attempts)
	return Wrap(CodeConnectionFailed, msg, cause)
}

// ConnectionClosed creates a "connection.closed" error.
func ConnectionClosed(cause error) *CodedError {
	return Wrap(CodeConnectionClosed, "connection closed unexpectedly", cause)
}

// NoActiveSession creates a "session.not_active" error.
// Returned synchronously when a message is sent on a disconnected client.
func NoActiveSession() *CodedError {
	return New(CodeSessionNotActive, "no active session - connect first")
}

// SessionCreateFailed creates a "session.create_failed" error.
func SessionCreateFailed(cause error) *CodedError {
	return Wrap(CodeSessionCreateFailed, "failed to create session", cause)
}

// SessionResumeFailed creates a "session.resume_failed" error.
func SessionResumeFailed(sessionID string, cause error) *CodedError {
	return Wrap(CodeSessionResumeFailed, fmt.Sprintf("failed to resume session %s", sessionID), cause)
}

// SessionPromptFailed creates a "session.prompt_failed" error.
func SessionPromptFailed(cause error) *CodedError {
	return Wrap(CodeSessionPromptFailed, "prompt failed", cause)
}

// ApprovalNotFound creates an "approval.not_found" error.
func ApprovalNotFound(requestID string) *CodedError {
	return New(CodeApprovalNotFound, fmt.Sprintf("approval request %s not found (may already be resolved)", requestID))
}

// ApprovalDuplicate creates an "approval.duplicate" error.
func ApprovalDuplicate(requestID string) *CodedError {
	return New(CodeApprovalDuplicate, fmt.Sprintf("approval request %s is already pending", requestID))
}

// ApprovalInvalidOption creates an "approval.invalid_option" error.
func ApprovalInvalidOption(requestID, optionID string) *CodedError {
	return New(CodeApprovalInvalidOption, fmt.Sprintf("approval request %s has no option %q", requestID, optionID))
}

// NotFound creates a "storage.not_found" error.
func NotFound(resource string) *CodedError {
	return New(CodeStorageNotFound, fmt.Sprintf("%s not found", resource))
}

// KeychainNotFound creates a "keychain.not_found" error.
func KeychainNotFound(key string) *CodedError {
	return New(CodeKeychainNotFound, fmt.Sprintf("no credentials stored under %s", key))
}

// Internal creates an "error.internal" error.
func Internal(message string, cause error) *CodedError {
	return Wrap(CodeInternal, message, cause)
}
