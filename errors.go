package trialscope

import (
	"errors"
	"fmt"
)

// Common sentinel errors for the trialscope package.
var (
	// ErrClosed is returned when operations are attempted on a closed engine.
	ErrClosed = errors.New("engine is closed")

	// ErrUnknownSite is returned when an observation references an unregistered site.
	ErrUnknownSite = errors.New("unknown site")

	// ErrUnknownStudy is returned when a request references an unknown study.
	ErrUnknownStudy = errors.New("unknown study")

	// ErrInvalidObservation is returned for malformed observations.
	ErrInvalidObservation = errors.New("invalid observation")

	// ErrRuleValidation is returned when a declarative rule document fails validation.
	ErrRuleValidation = errors.New("rule validation failed")

	// ErrSnapshotCorrupt is returned when a snapshot fails header or version checks.
	ErrSnapshotCorrupt = errors.New("snapshot corrupt")

	// ErrSnapshotEncrypted is returned when an encrypted snapshot is opened without a key.
	ErrSnapshotEncrypted = errors.New("snapshot is encrypted")

	// ErrNoObservations is returned when a computation has no data to work with.
	ErrNoObservations = errors.New("no observations")
)

// ObservationErrorType categorizes observation ingest errors.
type ObservationErrorType int

const (
	// ObservationErrorTypeUnknown is an unclassified error.
	ObservationErrorTypeUnknown ObservationErrorType = iota
	// ObservationErrorTypeMissingField indicates a required identifier is empty.
	ObservationErrorTypeMissingField
	// ObservationErrorTypeBadCategory indicates an unrecognized issue category.
	ObservationErrorTypeBadCategory
	// ObservationErrorTypeNegativeCount indicates a negative issue count.
	ObservationErrorTypeNegativeCount
	// ObservationErrorTypeUnknownSite indicates the site is not registered.
	ObservationErrorTypeUnknownSite
)

// ObservationError provides detailed information about a rejected observation.
type ObservationError struct {
	Type    ObservationErrorType
	Message string
	Obs     *Observation
	Cause   error
}

func (e *ObservationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ObservationError) Unwrap() error {
	return e.Cause
}

// Is implements error matching for ObservationError.
func (e *ObservationError) Is(target error) bool {
	switch e.Type {
	case ObservationErrorTypeMissingField, ObservationErrorTypeBadCategory, ObservationErrorTypeNegativeCount:
		return target == ErrInvalidObservation
	case ObservationErrorTypeUnknownSite:
		return target == ErrUnknownSite
	}
	return false
}

// newObservationError creates a new ObservationError.
func newObservationError(errType ObservationErrorType, message string, obs *Observation, cause error) *ObservationError {
	return &ObservationError{
		Type:    errType,
		Message: message,
		Obs:     obs,
		Cause:   cause,
	}
}

// StoreErrorType categorizes persistence errors.
type StoreErrorType int

const (
	// StoreErrorTypeUnknown is an unclassified store error.
	StoreErrorTypeUnknown StoreErrorType = iota
	// StoreErrorTypeRead indicates a read failure.
	StoreErrorTypeRead
	// StoreErrorTypeWrite indicates a write failure.
	StoreErrorTypeWrite
	// StoreErrorTypeCorruption indicates corrupted persisted data.
	StoreErrorTypeCorruption
)

// StoreError provides detailed information about persistence failures.
type StoreError struct {
	Type    StoreErrorType
	Message string
	Key     string
	Cause   error
}

func (e *StoreError) Error() string {
	if e.Key != "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s [%s]: %v", e.Message, e.Key, e.Cause)
		}
		return fmt.Sprintf("%s [%s]", e.Message, e.Key)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *StoreError) Unwrap() error {
	return e.Cause
}

// Is implements error matching for StoreError.
func (e *StoreError) Is(target error) bool {
	return e.Type == StoreErrorTypeCorruption && target == ErrSnapshotCorrupt
}

// newStoreError creates a new StoreError.
func newStoreError(errType StoreErrorType, message, key string, cause error) *StoreError {
	return &StoreError{
		Type:    errType,
		Message: message,
		Key:     key,
		Cause:   cause,
	}
}
