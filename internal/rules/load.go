package rules

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/joshsymonds/inboxrules/internal/gmail"
)

// Compiled is a rule that passed validation, with its predicates in
// condition order.
type Compiled struct {
	Rule        Rule
	Conjunction Conjunction
	Predicates  []Predicate
	Hazards     []string
}

// ID returns the rule id.
func (c *Compiled) ID() string { return c.Rule.ID }

// Rejection records a rule excluded from the run set.
type Rejection struct {
	RuleID  string   `json:"rule_id"`
	Name    string   `json:"name"`
	Reasons []string `json:"reasons"`
	Err     error    `json:"-"`
}

// Hazard is a caller-authored risk that does not make a rule invalid.
type Hazard struct {
	RuleID  string `json:"rule_id"`
	Message string `json:"message"`
}

// LoadReport is produced once per load; rejected rules never reach a run.
type LoadReport struct {
	Accepted []string    `json:"accepted"`
	Rejected []Rejection `json:"rejected"`
	Hazards  []Hazard    `json:"hazards"`
}

// Err returns every rejection as one error, or nil when all rules loaded.
func (r LoadReport) Err() error {
	var result *multierror.Error
	for _, rej := range r.Rejected {
		result = multierror.Append(result, rej.Err)
	}
	return result.ErrorOrNil()
}

// Load validates rules and compiles the valid ones. Invalid rules are
// reported and dropped; the rest are returned sorted by priority then id.
func Load(rs []Rule) ([]*Compiled, LoadReport) {
	var report LoadReport
	seen := make(map[string]struct{}, len(rs))
	compiled := make([]*Compiled, 0, len(rs))
	for _, r := range rs {
		c, err := compileRule(r, seen)
		if err != nil {
			rej := Rejection{RuleID: r.ID, Name: r.Name, Err: err}
			var verr *ValidationError
			if errors.As(err, &verr) {
				rej.Reasons = verr.Reasons()
			} else {
				rej.Reasons = []string{err.Error()}
			}
			report.Rejected = append(report.Rejected, rej)
			continue
		}
		compiled = append(compiled, c)
		report.Accepted = append(report.Accepted, c.ID())
		for _, h := range c.Hazards {
			report.Hazards = append(report.Hazards, Hazard{RuleID: c.ID(), Message: h})
		}
	}
	SortCompiled(compiled)
	return compiled, report
}

// SortCompiled orders rules by priority, ties broken by id.
func SortCompiled(cs []*Compiled) {
	slices.SortStableFunc(cs, func(a, b *Compiled) int {
		if c := cmp.Compare(a.Rule.Priority, b.Rule.Priority); c != 0 {
			return c
		}
		return strings.Compare(a.Rule.ID, b.Rule.ID)
	})
}

// CompileRule validates a single rule on its own.
func CompileRule(r Rule) (*Compiled, error) {
	return compileRule(r, nil)
}

func compileRule(r Rule, seen map[string]struct{}) (*Compiled, error) {
	var errs *multierror.Error
	id := strings.TrimSpace(r.ID)
	switch {
	case id == "":
		errs = multierror.Append(errs, ErrEmptyID)
	case seen != nil:
		if _, dup := seen[id]; dup {
			errs = multierror.Append(errs, fmt.Errorf("%w: %q", ErrDuplicateID, id))
		}
		seen[id] = struct{}{}
	}
	conj, err := parseConjunction(r.Conjunction)
	if err != nil {
		errs = multierror.Append(errs, err)
	}
	if len(r.Conditions) == 0 {
		errs = multierror.Append(errs, ErrNoConditions)
	}
	preds := make([]Predicate, 0, len(r.Conditions))
	for i, cond := range r.Conditions {
		p, err := Compile(cond)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("condition %d: %w", i+1, err))
			continue
		}
		preds = append(preds, p)
	}
	if len(r.Actions) == 0 {
		errs = multierror.Append(errs, ErrNoActions)
	}
	for i, a := range r.Actions {
		if err := validateAction(a); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("action %d: %w", i+1, err))
		}
	}
	if errs.ErrorOrNil() != nil {
		return nil, &ValidationError{RuleID: r.ID, Errs: errs}
	}
	r.Conjunction = conj
	return &Compiled{
		Rule:        r,
		Conjunction: conj,
		Predicates:  preds,
		Hazards:     ActionHazards(r.Actions),
	}, nil
}

func validateAction(a Action) error {
	switch a.Type {
	case ActionAddLabel, ActionRemoveLabel:
		if a.Label() == "" {
			return fmt.Errorf("%w: %s", ErrMissingLabel, a.Type)
		}
		return nil
	case ActionArchive, ActionTrash, ActionDeletePermanently, ActionMarkRead, ActionMarkUnread:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, a.Type)
	}
}

// ActionHazards describes actions listed after a terminal action. Such actions
// are still attempted in order but cannot take effect on removed messages.
func ActionHazards(actions []Action) []string {
	var out []string
	terminal := ""
	for _, a := range actions {
		if terminal != "" {
			out = append(out, fmt.Sprintf("%s follows terminal action %s and may not take effect", a, terminal))
		}
		if a.Type.Terminal() && terminal == "" {
			terminal = string(a.Type)
		}
	}
	return out
}

// FormatFor returns the cheapest Gmail format that carries every field the
// predicates read.
func FormatFor(preds []Predicate) gmail.Format {
	format := gmail.FormatNone
	for _, p := range preds {
		var need gmail.Format
		switch p.Field() {
		case FieldBody, FieldAttachmentFilename, FieldHasAttachment:
			need = gmail.FormatFull
		case FieldFrom, FieldTo, FieldCc, FieldBcc, FieldSubject:
			need = gmail.FormatMetadata
		default:
			need = gmail.FormatMinimal
		}
		format = max(format, need)
	}
	return format
}

// HeadersFor lists the headers the predicates read, in a stable order.
func HeadersFor(preds []Predicate) []string {
	var out []string
	for _, p := range preds {
		var h string
		switch p.Field() {
		case FieldFrom:
			h = "From"
		case FieldTo:
			h = "To"
		case FieldCc:
			h = "Cc"
		case FieldBcc:
			h = "Bcc"
		case FieldSubject:
			h = "Subject"
		default:
			continue
		}
		if !slices.Contains(out, h) {
			out = append(out, h)
		}
	}
	slices.Sort(out)
	return out
}

// UsesLabels reports whether any predicate reads label names.
func UsesLabels(preds []Predicate) bool {
	return slices.ContainsFunc(preds, func(p Predicate) bool { return p.Field() == FieldLabel })
}
