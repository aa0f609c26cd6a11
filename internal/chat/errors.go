package chat

import (
	"errors"
	"fmt"
)

var (
	ErrUnrecognizedInput = errors.New("chat: unrecognized symptom")
	ErrDuplicateSymptom  = errors.New("chat: symptom already noted")
	ErrEmptyDiagnosis    = errors.New("chat: no condition identified")
	ErrSessionNotFound   = errors.New("chat: session not found")
	ErrNoPrediction      = errors.New("chat: no prediction available")
	ErrSharingDisabled   = errors.New("chat: report sharing is not configured")
)

// TransportError wraps a failed call to the symptom checker backend.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("chat: %s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
