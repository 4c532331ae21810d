package gmailctl

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/joshsymonds/inboxrules/internal/rules"
)

// Skipped is a filter that could not be expressed as a rule.
type Skipped struct {
	Filter string `json:"filter"`
	Reason string `json:"reason"`
}

// Conversion is the outcome of ToRules.
type Conversion struct {
	Rules   []rules.Rule `json:"rules"`
	Skipped []Skipped    `json:"skipped"`
	// Notes list filter features dropped from rules that were still emitted.
	Notes []string `json:"notes"`
}

// ToRules converts compiled filters into rules. Filters whose criteria the
// rule model cannot express are skipped, never approximated.
func ToRules(export Export) Conversion {
	labelNames := make(map[string]string, len(export.Labels))
	for _, lbl := range export.Labels {
		if lbl.ID != "" && lbl.Name != "" {
			labelNames[lbl.ID] = lbl.Name
		}
	}
	var out Conversion
	ids := map[string]int{}
	for i, f := range export.Filters {
		name := filterName(f)
		fixed, alternatives, err := criteriaConditions(f.Criteria)
		if err != nil {
			out.Skipped = append(out.Skipped, Skipped{Filter: name, Reason: err.Error()})
			continue
		}
		actions, notes := mapActions(f.Action, labelNames)
		for _, n := range notes {
			out.Notes = append(out.Notes, name+": "+n)
		}
		if len(actions) == 0 {
			out.Skipped = append(out.Skipped, Skipped{Filter: name, Reason: "no supported actions"})
			continue
		}

		base := uniqueID(ids, slug(name, i))
		rule := rules.Rule{
			ID:          base,
			Name:        name,
			Enabled:     true,
			Priority:    (i + 1) * 10,
			Conjunction: rules.And,
			Conditions:  fixed,
			Actions:     actions,
		}
		switch {
		case len(alternatives) == 0:
			out.Rules = append(out.Rules, rule)
		case len(fixed) == 0:
			rule.Conjunction = rules.Or
			rule.Conditions = alternatives
			out.Rules = append(out.Rules, rule)
		default:
			// One rule per alternative keeps the other criteria ANDed.
			for j, alt := range alternatives {
				r := rule
				r.ID = uniqueID(ids, base+"-"+strconv.Itoa(j+1))
				r.Conditions = append(slices.Clone(fixed), alt)
				out.Rules = append(out.Rules, r)
			}
		}
	}
	return out
}

// criteriaConditions returns the ANDed conditions plus, when one field lists
// several values, the ORed alternatives for that field.
func criteriaConditions(c FilterCriteria) ([]rules.Condition, []rules.Condition, error) {
	var fixed, alternatives []rules.Condition
	add := func(field rules.Field, raw string) error {
		vals := splitCandidates(raw)
		switch {
		case len(vals) == 0:
			return nil
		case len(vals) == 1:
			fixed = append(fixed, contains(field, vals[0]))
			return nil
		case alternatives != nil:
			return fmt.Errorf("more than one criterion lists alternatives")
		default:
			for _, v := range vals {
				alternatives = append(alternatives, contains(field, v))
			}
			return nil
		}
	}
	if err := add(rules.FieldFrom, c.From); err != nil {
		return nil, nil, err
	}
	if err := add(rules.FieldTo, c.To); err != nil {
		return nil, nil, err
	}
	if err := add(rules.FieldSubject, c.Subject); err != nil {
		return nil, nil, err
	}
	if strings.TrimSpace(c.List) != "" {
		return nil, nil, fmt.Errorf("list criteria are not supported")
	}
	if q := strings.TrimSpace(c.Query); q != "" {
		conds, err := queryConditions(q)
		if err != nil {
			return nil, nil, err
		}
		fixed = append(fixed, conds...)
	}
	if len(fixed) == 0 && len(alternatives) == 0 {
		return nil, nil, fmt.Errorf("no criteria")
	}
	return fixed, alternatives, nil
}

func contains(field rules.Field, v string) rules.Condition {
	return rules.Condition{Field: field, Operator: rules.OpContains, Value: rules.Scalar(v)}
}

// queryConditions understands space-separated search terms. Any OR, group or
// unknown operator makes the whole query unsupported.
func queryConditions(query string) ([]rules.Condition, error) {
	if strings.ContainsAny(query, "(){}") {
		return nil, fmt.Errorf("grouped query %q is not supported", query)
	}
	var conds []rules.Condition
	for _, tok := range strings.Fields(query) {
		if strings.EqualFold(tok, "OR") {
			return nil, fmt.Errorf("OR query %q is not supported", query)
		}
		cond, err := tokenCondition(tok)
		if err != nil {
			return nil, err
		}
		conds = append(conds, cond)
	}
	return conds, nil
}

func tokenCondition(tok string) (rules.Condition, error) {
	negated := strings.HasPrefix(tok, "-")
	tok = strings.TrimPrefix(tok, "-")
	op, arg, ok := strings.Cut(tok, ":")
	arg = strings.Trim(arg, `"'`)
	if !ok || arg == "" {
		return rules.Condition{}, fmt.Errorf("free-text term %q is not supported", tok)
	}
	text := func(field rules.Field) rules.Condition {
		c := contains(field, strings.ToLower(arg))
		if negated {
			c.Operator = rules.OpNotContains
		}
		return c
	}
	op = strings.ToLower(op)
	if negated && !slices.Contains([]string{"from", "to", "cc", "bcc", "subject", "label"}, op) {
		return rules.Condition{}, fmt.Errorf("negated %s: is not supported", op)
	}
	switch op {
	case "from", "to", "cc", "bcc", "subject":
		return text(rules.Field(op)), nil
	case "label":
		c := rules.Condition{Field: rules.FieldLabel, Operator: rules.OpEquals, Value: rules.Scalar(arg)}
		if negated {
			c.Operator = rules.OpNotEquals
		}
		return c, nil
	case "filename":
		return rules.Condition{Field: rules.FieldAttachmentFilename, Operator: rules.OpContains, Value: rules.Scalar(arg)}, nil
	case "has":
		if strings.EqualFold(arg, "attachment") {
			return rules.Condition{Field: rules.FieldHasAttachment, Operator: rules.OpEquals, Value: rules.Scalar("true")}, nil
		}
	case "larger", "smaller":
		if _, err := rules.ParseSize(arg); err != nil {
			return rules.Condition{}, err
		}
		c := rules.Condition{Field: rules.FieldMessageSize, Operator: rules.OpGreaterThan, Value: rules.Scalar(arg)}
		if op == "smaller" {
			c.Operator = rules.OpLessThan
		}
		return c, nil
	case "older_than", "newer_than":
		if _, err := rules.ParseAge(arg); err != nil {
			return rules.Condition{}, err
		}
		c := rules.Condition{Field: rules.FieldAge, Operator: rules.OpGreaterThan, Value: rules.Scalar(arg)}
		if op == "newer_than" {
			c.Operator = rules.OpLessThan
		}
		return c, nil
	}
	return rules.Condition{}, fmt.Errorf("search operator %q is not supported", tok)
}

// mapActions translates label changes into rule actions. Features with no
// rule equivalent are reported as notes.
func mapActions(action FilterAction, labelNames map[string]string) ([]rules.Action, []string) {
	var out []rules.Action
	var notes []string
	for _, id := range action.RemoveLabelIDs {
		switch id {
		case "INBOX":
			out = append(out, rules.Action{Type: rules.ActionArchive})
		case "UNREAD":
			out = append(out, rules.Action{Type: rules.ActionMarkRead})
		default:
			if name, ok := labelNames[id]; ok {
				out = append(out, labelAction(rules.ActionRemoveLabel, name))
			} else {
				notes = append(notes, "unknown label id "+id+" dropped")
			}
		}
	}
	for _, id := range action.AddLabelIDs {
		switch id {
		case "TRASH":
			out = append(out, rules.Action{Type: rules.ActionTrash})
		case "UNREAD":
			out = append(out, rules.Action{Type: rules.ActionMarkUnread})
		case "STARRED", "IMPORTANT", "SPAM":
			notes = append(notes, "system label "+id+" dropped")
		default:
			if name, ok := labelNames[id]; ok {
				out = append(out, labelAction(rules.ActionAddLabel, name))
			} else {
				notes = append(notes, "unknown label id "+id+" dropped")
			}
		}
	}
	if action.Forward != "" {
		notes = append(notes, "forwarding to "+action.Forward+" dropped")
	}
	// Trash last so label changes land first.
	slices.SortStableFunc(out, func(a, b rules.Action) int {
		switch {
		case a.Type.Terminal() == b.Type.Terminal():
			return 0
		case a.Type.Terminal():
			return 1
		default:
			return -1
		}
	})
	return out, notes
}

func labelAction(t rules.ActionType, name string) rules.Action {
	return rules.Action{Type: t, Parameters: map[string]string{"label": name}}
}

func filterName(f Filter) string {
	if name := strings.TrimSpace(f.Name); name != "" {
		return name
	}
	if id := strings.TrimSpace(f.ID); id != "" {
		return id
	}
	c := f.Criteria
	switch {
	case c.From != "":
		return "from:" + strings.TrimSpace(c.From)
	case c.List != "":
		return "list:" + strings.TrimSpace(c.List)
	case c.Subject != "":
		return "subject:" + strings.TrimSpace(c.Subject)
	case c.Query != "":
		return strings.TrimSpace(c.Query)
	}
	return "gmailctl-rule"
}

func splitCandidates(raw string) []string {
	raw = strings.NewReplacer(",", " ", ";", " ", "|", " ").Replace(raw)
	parts := strings.Fields(raw)
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.ToLower(strings.Trim(part, "\"'(){}"))
		if part == "" || part == "or" {
			continue
		}
		if !slices.Contains(out, part) {
			out = append(out, part)
		}
	}
	return out
}

func slug(name string, index int) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	s := strings.TrimSuffix(b.String(), "-")
	if s == "" {
		return "gmailctl-" + strconv.Itoa(index+1)
	}
	return s
}

func uniqueID(seen map[string]int, id string) string {
	n := seen[id]
	seen[id] = n + 1
	if n == 0 {
		return id
	}
	return uniqueID(seen, id+"-"+strconv.Itoa(n+1))
}
