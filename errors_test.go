package trialscope

import (
	"errors"
	"fmt"
	"testing"
)

func TestObservationErrorMatching(t *testing.T) {
	obs := &Observation{StudyID: "STUDY-1", SiteID: "site-1", SubjectID: "1001"}

	tests := []struct {
		errType ObservationErrorType
		want    error
	}{
		{ObservationErrorTypeMissingField, ErrInvalidObservation},
		{ObservationErrorTypeBadCategory, ErrInvalidObservation},
		{ObservationErrorTypeNegativeCount, ErrInvalidObservation},
		{ObservationErrorTypeUnknownSite, ErrUnknownSite},
	}
	for _, tt := range tests {
		err := newObservationError(tt.errType, "rejected", obs, nil)
		if !errors.Is(err, tt.want) {
			t.Errorf("type %v does not match %v", tt.errType, tt.want)
		}
	}

	err := newObservationError(ObservationErrorTypeUnknown, "rejected", obs, nil)
	if errors.Is(err, ErrInvalidObservation) {
		t.Error("unknown type matched ErrInvalidObservation")
	}
}

func TestObservationErrorMessage(t *testing.T) {
	cause := errors.New("boom")
	err := newObservationError(ObservationErrorTypeMissingField, "rejected", nil, cause)
	if err.Error() != "rejected: boom" {
		t.Errorf("Error() = %q", err.Error())
	}
	if !errors.Is(err, cause) {
		t.Error("cause not unwrapped")
	}

	bare := newObservationError(ObservationErrorTypeMissingField, "rejected", nil, nil)
	if bare.Error() != "rejected" {
		t.Errorf("Error() = %q", bare.Error())
	}
}

func TestStoreErrorMessage(t *testing.T) {
	cause := errors.New("disk full")
	err := newStoreError(StoreErrorTypeWrite, "failed to save site", "site-1", cause)
	want := "failed to save site [site-1]: disk full"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
	if !errors.Is(err, cause) {
		t.Error("cause not unwrapped")
	}

	noKey := newStoreError(StoreErrorTypeRead, "failed to load", "", nil)
	if noKey.Error() != "failed to load" {
		t.Errorf("Error() = %q", noKey.Error())
	}
}

func TestStoreErrorCorruptionMatching(t *testing.T) {
	err := newStoreError(StoreErrorTypeCorruption, "bad header", "", nil)
	if !errors.Is(err, ErrSnapshotCorrupt) {
		t.Error("corruption error does not match ErrSnapshotCorrupt")
	}
	writeErr := newStoreError(StoreErrorTypeWrite, "write failed", "", nil)
	if errors.Is(writeErr, ErrSnapshotCorrupt) {
		t.Error("write error matched ErrSnapshotCorrupt")
	}
}

func TestSentinelWrapping(t *testing.T) {
	wrapped := fmt.Errorf("%w: STUDY-9", ErrUnknownStudy)
	if !errors.Is(wrapped, ErrUnknownStudy) {
		t.Error("wrapped sentinel not matched")
	}
}
