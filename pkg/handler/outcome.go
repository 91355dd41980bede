package handler

import (
	"fmt"

	"github.com/google/uuid"
)

// OutcomeKind discriminates the three ways a handler invocation can end.
type OutcomeKind string

const (
	// OutcomeOk acknowledges the delivery as delivered.
	OutcomeOk OutcomeKind = "ok"
	// OutcomeSkip acknowledges the delivery as skipped; it is never
	// retried.
	OutcomeSkip OutcomeKind = "skip"
	// OutcomeFail rolls back the unit of work and spends one retry.
	OutcomeFail OutcomeKind = "fail"
)

// Outcome is a handler's verdict on a delivery (or a whole batch, for
// batch handlers: the verdict applies to every delivery in it, unless a
// skip names specific deliveries).
type Outcome struct {
	kind    OutcomeKind
	reason  string
	err     error
	skipped []uuid.UUID
}

// Ok acknowledges the delivery.
func Ok() Outcome {
	return Outcome{kind: OutcomeOk}
}

// Skip acknowledges the delivery without processing it, with a reason for
// the delivery row's audit trail. From a batch handler it skips the whole
// batch.
func Skip(reason string) Outcome {
	return Outcome{kind: OutcomeSkip, reason: reason}
}

// SkipDeliveries skips only the listed deliveries of a batch; the rest
// are marked delivered. Skipped deliveries are never retried.
func SkipDeliveries(ids []uuid.UUID, reason string) Outcome {
	return Outcome{kind: OutcomeSkip, reason: reason, skipped: ids}
}

// Fail reports a processing error. The delivery returns to pending until
// its retry budget is spent.
func Fail(err error) Outcome {
	return Outcome{kind: OutcomeFail, err: err}
}

// Failf is Fail with formatting.
func Failf(format string, args ...any) Outcome {
	return Fail(fmt.Errorf(format, args...))
}

func (o Outcome) Kind() OutcomeKind { return o.kind }
func (o Outcome) Reason() string    { return o.reason }
func (o Outcome) Err() error        { return o.err }

// SkippedIDs returns the delivery IDs a partial skip names; empty for a
// whole-batch skip.
func (o Outcome) SkippedIDs() []uuid.UUID { return o.skipped }

func (o Outcome) IsOk() bool   { return o.kind == OutcomeOk }
func (o Outcome) IsSkip() bool { return o.kind == OutcomeSkip }
func (o Outcome) IsFail() bool { return o.kind == OutcomeFail }

func (o Outcome) String() string {
	switch o.kind {
	case OutcomeSkip:
		return fmt.Sprintf("skip(%s)", o.reason)
	case OutcomeFail:
		return fmt.Sprintf("fail(%v)", o.err)
	default:
		return string(o.kind)
	}
}
