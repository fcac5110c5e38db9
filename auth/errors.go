package auth

import (
	"errors"
	"fmt"
)

// ErrorCode identifies why a sign-in attempt failed. Codes are stable and
// safe to show; the underlying cause is only ever logged.
type ErrorCode string

const (
	CodeInvalidState        ErrorCode = "invalid_state"
	CodeTokenExchangeFailed ErrorCode = "token_exchange_failed"
	CodeTokenMissing        ErrorCode = "token_missing"
	CodeUserinfoFailed      ErrorCode = "userinfo_failed"
	CodeEmailMissing        ErrorCode = "email_missing"
	CodeInvalidCredential   ErrorCode = "invalid_credential"
	CodeNotAllowed          ErrorCode = "not_allowed"
	CodeUserCreationFailed  ErrorCode = "user_creation_failed"
	CodeAccessDenied        ErrorCode = "access_denied"
	CodeNotConfigured       ErrorCode = "not_configured"
	CodeInternal            ErrorCode = "internal_error"
)

var messages = map[ErrorCode]string{
	CodeInvalidState:        "Your sign-in session expired or could not be verified. Please try again.",
	CodeTokenExchangeFailed: "Could not reach Google to complete sign-in. Please try again.",
	CodeTokenMissing:        "Google did not return an access token. Please try again.",
	CodeUserinfoFailed:      "Could not retrieve your Google profile. Please try again.",
	CodeEmailMissing:        "Your Google account did not provide an email address.",
	CodeInvalidCredential:   "Your Google sign-in could not be verified.",
	CodeNotAllowed:          "This Google account is not allowed to sign in to this site.",
	CodeUserCreationFailed:  "Your account could not be created. Please contact the site administrator.",
	CodeAccessDenied:        "Sign-in was cancelled.",
	CodeNotConfigured:       "Google sign-in is not configured on this site.",
	CodeInternal:            "Something went wrong during sign-in. Please try again.",
}

// Message returns the user-facing text for code. Unknown codes get the
// generic internal_error text.
func Message(code ErrorCode) string {
	if m, ok := messages[code]; ok {
		return m
	}
	return messages[CodeInternal]
}

// AuthError is a sign-in failure with its user-facing code.
type AuthError struct {
	Code ErrorCode
	Err  error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return string(e.Code)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

func newAuthError(code ErrorCode, err error) error {
	return &AuthError{Code: code, Err: err}
}

// CodeOf returns the ErrorCode carried by err, or CodeInternal when err
// carries none.
func CodeOf(err error) ErrorCode {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeInternal
}
