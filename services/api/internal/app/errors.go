package app

import "errors"

var (
	// ErrMessageRequired indicates an empty item message.
	ErrMessageRequired = errors.New("message is required")
	// ErrUIDRequired indicates a token request without a uid.
	ErrUIDRequired = errors.New("uid is required")
	// ErrCallerRequired indicates an item operation without an authenticated caller.
	ErrCallerRequired = errors.New("authenticated caller required")
	// ErrTokenIssuerUnavailable indicates no token issuer was configured.
	ErrTokenIssuerUnavailable = errors.New("token issuer not configured")
)
