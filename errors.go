package meelreel

import (
	"errors"
	"fmt"
)

// error taxonomy:
//   transient errors are recovered locally by retry with idempotent replay
//   validation errors are surfaced to the initiating caller, never retried
//   not-found is an explicit state, not an exceptional path
//   a partial relationship write must be retried as the same pair

var (
	ErrExists      = errors.New("document already exists")
	ErrStoreClosed = errors.New("store closed")
	ErrNotConn     = errors.New("not connected")
)

type TransientError struct {
	Err error
}

func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

func (self *TransientError) Error() string {
	return fmt.Sprintf("transient: %s", self.Err)
}

func (self *TransientError) Unwrap() error {
	return self.Err
}

func IsTransient(err error) bool {
	var transientErr *TransientError
	return errors.As(err, &transientErr)
}

type ValidationError struct {
	Field   string
	Message string
}

func NewValidationError(field string, format string, a ...any) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf(format, a...),
	}
}

func (self *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", self.Field, self.Message)
}

func IsValidation(err error) bool {
	var validationErr *ValidationError
	return errors.As(err, &validationErr)
}

type NotFoundError struct {
	Collection string
	Key        string
}

func (self *NotFoundError) Error() string {
	return fmt.Sprintf("%s/%s not found", self.Collection, self.Key)
}

func IsNotFound(err error) bool {
	var notFoundErr *NotFoundError
	return errors.As(err, &notFoundErr)
}

// one half of a follow/unfollow pair failed after retries. The confirmed
// half names the set field that was written (`following` or `followers`).
type PartialRelationshipWriteError struct {
	FollowerId    Id
	FollowedId    Id
	ConfirmedHalf string
	Err           error
}

func (self *PartialRelationshipWriteError) Error() string {
	return fmt.Sprintf(
		"partial relationship write %s->%s (%s confirmed): %s",
		self.FollowerId,
		self.FollowedId,
		self.ConfirmedHalf,
		self.Err,
	)
}

func (self *PartialRelationshipWriteError) Unwrap() error {
	return self.Err
}
