package service

import (
	"fmt"

	"github.com/pkg/errors"
)

// Recoverable, user-facing conditions. None of these cross the transport
// boundary as a 5xx; handlers turn them into notices and warnings.
var (
	ErrLoginUserNotFound         = errors.New("user not found")
	ErrLoginPasswordDoesNotMatch = errors.New("password does not match")
	ErrUsernameTaken             = errors.New("username already taken")
	ErrEmailTaken                = errors.New("email already in use")
	ErrUserNotFound              = errors.New("user not found")
	ErrConfirmationMismatch      = errors.New("confirmation does not match")

	ErrAlreadyLinked = errors.New("game already in library")
	ErrLinkNotFound  = errors.New("game not in library")
)

// ValidationError aborts an operation before any write happens.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func validationErr(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
