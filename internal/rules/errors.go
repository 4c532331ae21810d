package rules

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
)

var (
	ErrEmptyID         = errors.New("rule id must not be empty")
	ErrDuplicateID     = errors.New("duplicate rule id")
	ErrNoConditions    = errors.New("rule has no conditions")
	ErrNoActions       = errors.New("rule has no actions")
	ErrBadConjunction  = errors.New("unknown condition conjunction")
	ErrUnknownField    = errors.New("unknown field")
	ErrUnknownOperator = errors.New("unknown operator")
	ErrOperatorField   = errors.New("operator not valid for field")
	ErrBadValue        = errors.New("invalid condition value")
	ErrBadRegex        = errors.New("invalid regular expression")
	ErrUnknownAction   = errors.New("unknown action type")
	ErrMissingLabel    = errors.New("action requires a label parameter")
)

// ValidationError collects every problem found in one rule at load time.
type ValidationError struct {
	RuleID string
	Errs   *multierror.Error
}

func (e *ValidationError) Error() string {
	if e.Errs == nil {
		return fmt.Sprintf("rule %q is invalid", e.RuleID)
	}
	return fmt.Sprintf("rule %q is invalid: %s", e.RuleID, joinErrors(e.Errs.Errors))
}

func (e *ValidationError) Unwrap() []error {
	if e.Errs == nil {
		return nil
	}
	return e.Errs.Errors
}

// Reasons lists the individual validation failures as text.
func (e *ValidationError) Reasons() []string {
	if e.Errs == nil {
		return nil
	}
	out := make([]string, 0, len(e.Errs.Errors))
	for _, err := range e.Errs.Errors {
		out = append(out, err.Error())
	}
	return out
}

func joinErrors(errs []error) string {
	var out string
	for i, err := range errs {
		if i > 0 {
			out += "; "
		}
		out += err.Error()
	}
	return out
}
