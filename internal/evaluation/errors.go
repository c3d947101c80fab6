package evaluation

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRating is returned when a rating is outside [1, scaleMax].
	ErrInvalidRating = errors.New("rating out of range")
	// ErrDataUnavailable is returned when the questions or teacher data a
	// session needs cannot be supplied.
	ErrDataUnavailable = errors.New("evaluation data unavailable")
	// ErrPersistence wraps any storage failure. The in-memory state is left
	// as it was before the failed write.
	ErrPersistence = errors.New("persistence failure")
	// ErrNotFound is returned when no session snapshot exists for a student.
	ErrNotFound = errors.New("not found")
	// ErrNavigationBlocked is returned by Next when the current question has
	// no rating or the session is already on the last question.
	ErrNavigationBlocked = errors.New("navigation blocked")
	// ErrIncomplete is returned by Submit before the last question is answered.
	ErrIncomplete = errors.New("evaluation incomplete")
	// ErrSessionClosed is returned for operations on a submitted or discarded
	// session, or when the caller holds a stale session id.
	ErrSessionClosed = errors.New("session closed")
	// ErrUnknownGrade is returned for grades outside Preescolar..11º.
	ErrUnknownGrade = errors.New("unknown grade")
	// ErrInvalidStudent is returned for an empty student id.
	ErrInvalidStudent = errors.New("student id is required")
)

func persistenceError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrPersistence, err)
}
