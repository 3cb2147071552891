package processor

import (
	"errors"
	"fmt"
	"time"

	"msgflow/internal/persistence"
	"msgflow/pkg/models"
)

type Kind int

const (
	KindProcessed Kind = iota
	KindRejected
	KindFailed
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindProcessed:
		return persistence.OutcomeProcessed
	case KindRejected:
		return persistence.OutcomeRejected
	case KindFailed:
		return persistence.OutcomeFailed
	case KindCancelled:
		return persistence.OutcomeCancelled
	default:
		return "unknown"
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// StageError is a failure of a continue-on-error stage that the run
// recorded and skipped.
type StageError struct {
	Stage string
	Err   error
}

func (e StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e StageError) Unwrap() error {
	return e.Err
}

// Outcome is the terminal classification of one run. Message holds the final
// value for Processed and the last good value otherwise; a run cancelled
// before any stage succeeded carries no payload.
type Outcome struct {
	Kind            Kind
	Pipeline        string
	PipelineVersion string
	Stage           string
	Message         models.Message
	Reason          string
	Err             error
	StageErrors     []StageError
	Duration        time.Duration
}

func (o Outcome) Processed() bool { return o.Kind == KindProcessed }
func (o Outcome) Rejected() bool  { return o.Kind == KindRejected }
func (o Outcome) Failed() bool    { return o.Kind == KindFailed }
func (o Outcome) Cancelled() bool { return o.Kind == KindCancelled }

// ErrorText joins the terminal error and any recorded stage errors.
func (o Outcome) ErrorText() string {
	errs := make([]error, 0, len(o.StageErrors)+1)
	for _, se := range o.StageErrors {
		errs = append(errs, se)
	}
	if o.Err != nil {
		errs = append(errs, o.Err)
	}
	if len(errs) == 0 {
		return ""
	}
	return errors.Join(errs...).Error()
}

// Record builds the durable record for this outcome.
func (o Outcome) Record() persistence.Record {
	return persistence.Record{
		MessageID:        o.Message.ID,
		Outcome:          o.Kind.String(),
		Stage:            o.Stage,
		Reason:           o.Reason,
		Error:            o.ErrorText(),
		Source:           o.Message.Source,
		Sequence:         o.Message.Sequence,
		Payload:          o.Message.Payload,
		Attributes:       o.Message.Attributes,
		Pipeline:         o.Pipeline,
		PipelineVersion:  o.PipelineVersion,
		MessageTimestamp: o.Message.Timestamp,
	}
}
