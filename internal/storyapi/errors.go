package storyapi

import (
	"errors"
	"fmt"
)

var (
	// ErrNetwork matches failures where no response was received.
	ErrNetwork = errors.New("storyapi: network unavailable")
	// ErrUnauthorized matches rejected or missing credentials.
	ErrUnauthorized = errors.New("storyapi: unauthorized")
	// ErrSessionExpired matches a 401 on an authenticated call.
	ErrSessionExpired = errors.New("storyapi: session expired")
	// ErrValidation matches requests the remote rejected as invalid.
	ErrValidation = errors.New("storyapi: request rejected")
	// ErrServer matches every other remote failure.
	ErrServer = errors.New("storyapi: server error")
)

// NetworkError reports a transport failure: the request never produced a response.
type NetworkError struct {
	Operation string
	Err       error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: network error: %v", e.Operation, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// Is matches ErrNetwork.
func (e *NetworkError) Is(target error) bool {
	return target == ErrNetwork
}

// AuthError reports a 401/403 or a missing credential. Err holds the
// credential failure when no request was sent.
type AuthError struct {
	StatusCode int
	Message    string
	Expired    bool
	Err        error
}

func (e *AuthError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("unauthorized: %s", e.Message)
	}
	return fmt.Sprintf("http %d unauthorized: %s", e.StatusCode, e.Message)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// Is matches ErrUnauthorized, and ErrSessionExpired for expired sessions.
func (e *AuthError) Is(target error) bool {
	return target == ErrUnauthorized || (e.Expired && target == ErrSessionExpired)
}

// ValidationError reports a 400, 413 or 422 response.
type ValidationError struct {
	StatusCode int
	Message    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("http %d rejected: %s", e.StatusCode, e.Message)
}

// Is matches ErrValidation.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// ServerError reports any other non-success response.
type ServerError struct {
	StatusCode int
	Message    string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Is matches ErrServer.
func (e *ServerError) Is(target error) bool {
	return target == ErrServer
}

// RemoteMessage extracts the remote message carried by a gateway error.
func RemoteMessage(err error) string {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr.Message
	}
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return validationErr.Message
	}
	var serverErr *ServerError
	if errors.As(err, &serverErr) {
		return serverErr.Message
	}
	return ""
}
