package pipeline

import (
	stderrors "errors"
	"fmt"

	"github.com/kbukum/flowkit/errors"
)

// Fault is the error value carried by an Error signal. It records the stage
// that raised it and, when a user function failed on a specific item, that
// item.
type Fault struct {
	Code    errors.ErrorCode
	Stage   string
	Item    any
	HasItem bool
	Cause   error
}

// NewFault classifies cause as raised at stage. A cause that already is a
// Fault keeps its original stage and code.
func NewFault(stage string, cause error) *Fault {
	var f *Fault
	if stderrors.As(cause, &f) {
		return f
	}
	if cause == nil {
		cause = errors.Internal(stderrors.New("nil error raised"))
	}
	return &Fault{Code: errors.CodeOf(cause), Stage: stage, Cause: cause}
}

// itemFault records that fn failed on item at stage.
func itemFault(stage string, item any, cause error) *Fault {
	f := NewFault(stage, cause)
	if f.Stage == stage && !f.HasItem {
		f.Item = item
		f.HasItem = true
	}
	return f
}

func (f *Fault) Error() string {
	if f.HasItem {
		return fmt.Sprintf("%s at stage %q on item %v: %v", f.Code, f.Stage, f.Item, f.Cause)
	}
	return fmt.Sprintf("%s at stage %q: %v", f.Code, f.Stage, f.Cause)
}

func (f *Fault) Unwrap() error { return f.Cause }

// Retryable reports whether the underlying error is marked retryable.
func (f *Fault) Retryable() bool { return errors.IsRetryable(f.Cause) }

// AsFault extracts the Fault in err's chain.
func AsFault(err error) (*Fault, bool) {
	var f *Fault
	if stderrors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// IsCode returns a predicate matching faults with the given code, for use
// with Policy.When.
func IsCode(codes ...errors.ErrorCode) func(*Fault) bool {
	return func(f *Fault) bool {
		for _, c := range codes {
			if f.Code == c {
				return true
			}
		}
		return false
	}
}

// ProtocolViolation is raised with panic when a stage breaks the
// subscription contract: emitting without demand, terminating twice or
// requesting a non-positive amount. It is never delivered as a Fault.
type ProtocolViolation struct {
	Stage string
	Rule  string
}

func (p *ProtocolViolation) Error() string {
	return fmt.Sprintf("protocol violation at stage %q: %s", p.Stage, p.Rule)
}

func violate(stage, format string, args ...any) {
	panic(&ProtocolViolation{Stage: stage, Rule: fmt.Sprintf(format, args...)})
}
