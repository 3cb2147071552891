package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"msgflow/pkg/models"
)

// Transformer is a single processing step. Returning an error built with
// Reject halts the run as a rejection; any other error is a stage failure
// handled according to the stage policy.
type Transformer interface {
	Transform(ctx context.Context, msg models.Message) (models.Message, error)
}

// TransformFunc adapts a plain function to Transformer.
type TransformFunc func(ctx context.Context, msg models.Message) (models.Message, error)

func (f TransformFunc) Transform(ctx context.Context, msg models.Message) (models.Message, error) {
	return f(ctx, msg)
}

// Policy decides what a stage failure does to the rest of the run.
type Policy int

const (
	// PolicyFatal stops the run with a Failed outcome.
	PolicyFatal Policy = iota
	// PolicyContinue records the error and hands the last good value to the next stage.
	PolicyContinue
)

func (p Policy) String() string {
	switch p {
	case PolicyFatal:
		return "fatal"
	case PolicyContinue:
		return "continue"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

func (p Policy) valid() bool {
	return p == PolicyFatal || p == PolicyContinue
}

// ParsePolicy accepts "fatal" (the default for an empty string) and
// "continue" / "continue_on_error".
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "fatal":
		return PolicyFatal, nil
	case "continue", "continue_on_error", "continue-on-error", "skip":
		return PolicyContinue, nil
	default:
		return PolicyFatal, fmt.Errorf("unknown stage policy %q (valid: fatal, continue)", s)
	}
}

// Stage is an immutable stage descriptor.
type Stage struct {
	name        string
	transformer Transformer
	policy      Policy
}

func (s Stage) Name() string {
	return s.name
}

func (s Stage) Policy() Policy {
	return s.policy
}

func (s Stage) Transformer() Transformer {
	return s.transformer
}

// Rejection signals an expected non-match: the message does not satisfy the
// stage's precondition. It is a business outcome, not a failure.
type Rejection struct {
	Reason string
}

func (r *Rejection) Error() string {
	return "rejected: " + r.Reason
}

// Reject returns the error a stage returns to reject the message.
func Reject(reason string) error {
	return &Rejection{Reason: reason}
}

// Rejectf is Reject with a formatted reason.
func Rejectf(format string, args ...interface{}) error {
	return &Rejection{Reason: fmt.Sprintf(format, args...)}
}

// AsRejection extracts the rejection from err, if any.
func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}

func IsRejection(err error) bool {
	_, ok := AsRejection(err)
	return ok
}
