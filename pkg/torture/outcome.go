package torture

import (
	"errors"
	"fmt"
	"testing"
)

// OutcomeStatus is the result kind of a test entry point.
type OutcomeStatus int

const (
	Passed OutcomeStatus = iota
	Failed
	Skipped
)

func (s OutcomeStatus) String() string {
	switch s {
	case Passed:
		return "pass"
	case Failed:
		return "fail"
	case Skipped:
		return "skip"
	default:
		return fmt.Sprintf("OutcomeStatus(%d)", int(s))
	}
}

// Outcome is what a test entry point returns instead of signalling skips
// and failures through panics.
type Outcome struct {
	Status OutcomeStatus
	Reason string
	Err    error
}

// Pass returns a passed outcome.
func Pass() Outcome { return Outcome{Status: Passed} }

// Fail returns a failed outcome. A nil err still fails.
func Fail(err error) Outcome {
	if err == nil {
		return Outcome{Status: Failed, Reason: "failed"}
	}
	return Outcome{Status: Failed, Reason: err.Error(), Err: err}
}

// Skip returns an outcome that is neither passed nor failed.
func Skip(reason string) Outcome { return Outcome{Status: Skipped, Reason: reason} }

// SkipIfUnsupported turns err into an outcome: nil passes, an
// ErrFeatureUnsupported skips, anything else fails.
func SkipIfUnsupported(err error) Outcome {
	switch {
	case err == nil:
		return Pass()
	case errors.Is(err, ErrFeatureUnsupported):
		return Outcome{Status: Skipped, Reason: err.Error(), Err: err}
	default:
		return Fail(err)
	}
}

// Unsupported marks a timeout from a feature check as a missing feature.
// Other errors are returned unchanged.
func Unsupported(feature string, err error) error {
	if IsTimeout(err) {
		return fmt.Errorf("%s: %w: %w", feature, ErrFeatureUnsupported, err)
	}
	return err
}

func (o Outcome) Passed() bool  { return o.Status == Passed }
func (o Outcome) Failed() bool  { return o.Status == Failed }
func (o Outcome) Skipped() bool { return o.Status == Skipped }

func (o Outcome) String() string {
	if o.Reason == "" {
		return o.Status.String()
	}
	return o.Status.String() + ": " + o.Reason
}

// Report applies the outcome to a Go test.
func (o Outcome) Report(t testing.TB) {
	t.Helper()
	switch o.Status {
	case Failed:
		t.Fatal(o.Reason)
	case Skipped:
		t.Skip(o.Reason)
	}
}
