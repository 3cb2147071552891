package models

import (
	"encoding/json"
	"fmt"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// ValidateEnvelope checks the wire-level shape of an inbound envelope. An empty
// payload is valid here; whether it is acceptable is up to the pipeline stages.
func ValidateEnvelope(env *Envelope) error {
	if env == nil {
		return &ValidationError{
			Field:   "envelope",
			Message: "message envelope cannot be nil",
		}
	}

	if len(env.ID) > 256 {
		return &ValidationError{
			Field:   "id",
			Message: "message ID must be at most 256 characters",
		}
	}

	if len(env.Payload) > 0 && !json.Valid(env.Payload) {
		return &ValidationError{
			Field:   "payload",
			Message: "payload must be valid JSON",
		}
	}

	return nil
}
