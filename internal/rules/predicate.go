package rules

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Category groups fields by the type of data they carry.
type Category int

const (
	CategoryText Category = iota
	CategorySize
	CategoryAge
	CategoryFlag
)

var fieldCategories = map[Field]Category{
	FieldFrom:               CategoryText,
	FieldTo:                 CategoryText,
	FieldCc:                 CategoryText,
	FieldBcc:                CategoryText,
	FieldSubject:            CategoryText,
	FieldBody:               CategoryText,
	FieldLabel:              CategoryText,
	FieldAttachmentFilename: CategoryText,
	FieldMessageSize:        CategorySize,
	FieldAge:                CategoryAge,
	FieldHasAttachment:      CategoryFlag,
}

var categoryOperators = map[Category][]Operator{
	CategoryText: {
		OpEquals, OpNotEquals, OpContains, OpNotContains, OpStartsWith, OpEndsWith,
		OpRegexMatch, OpInList, OpNotInList,
	},
	CategorySize: {OpEquals, OpNotEquals, OpGreaterThan, OpLessThan},
	CategoryAge:  {OpGreaterThan, OpLessThan},
	CategoryFlag: {OpEquals, OpNotEquals},
}

var knownOperators = map[Operator]struct{}{
	OpEquals: {}, OpNotEquals: {}, OpContains: {}, OpNotContains: {}, OpStartsWith: {},
	OpEndsWith: {}, OpRegexMatch: {}, OpGreaterThan: {}, OpLessThan: {}, OpInList: {}, OpNotInList: {},
}

// Predicate is a validated condition. The set of implementations is closed:
// TextPredicate, SizePredicate, AgePredicate and FlagPredicate.
type Predicate interface {
	Field() Field
	Operator() Operator
	Condition() Condition
	predicate()
}

type base struct {
	cond Condition
}

func (b base) Field() Field         { return b.cond.Field }
func (b base) Operator() Operator   { return b.cond.Operator }
func (b base) Condition() Condition { return b.cond }
func (base) predicate()             {}

// TextPredicate covers string-valued fields.
type TextPredicate struct {
	base
	// Values holds the operand(s) as authored; one element unless the operator
	// is in_list or not_in_list.
	Values []string
	// folded holds Values lowercased unless the condition is case sensitive.
	folded []string
	Regex  *regexp.Regexp
}

// CaseSensitive reports whether comparisons honour case. List membership
// always compares exactly.
func (p TextPredicate) CaseSensitive() bool {
	switch p.cond.Operator {
	case OpInList, OpNotInList:
		return true
	}
	return p.cond.CaseSensitive
}

// SizePredicate compares the message size in bytes.
type SizePredicate struct {
	base
	Bytes int64
}

// AgePredicate compares the time elapsed since the message was received.
type AgePredicate struct {
	base
	Age time.Duration
}

// FlagPredicate compares a boolean field.
type FlagPredicate struct {
	base
	Want bool
}

// Compile validates a condition and returns its closed predicate form.
func Compile(cond Condition) (Predicate, error) {
	cond.Field = Field(strings.ToLower(strings.TrimSpace(string(cond.Field))))
	cond.Operator = Operator(strings.ToLower(strings.TrimSpace(string(cond.Operator))))

	cat, ok := fieldCategories[cond.Field]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownField, cond.Field)
	}
	if _, ok := knownOperators[cond.Operator]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownOperator, cond.Operator)
	}
	if !operatorAllowed(cat, cond.Operator) {
		return nil, fmt.Errorf("%w: %s on %s", ErrOperatorField, cond.Operator, cond.Field)
	}

	switch cat {
	case CategoryText:
		return compileText(cond)
	case CategorySize:
		n, err := ParseSize(scalarOf(cond))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", cond.Field, err)
		}
		return SizePredicate{base: base{cond}, Bytes: n}, nil
	case CategoryAge:
		d, err := ParseAge(scalarOf(cond))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", cond.Field, err)
		}
		return AgePredicate{base: base{cond}, Age: d}, nil
	default:
		b, err := strconv.ParseBool(strings.TrimSpace(scalarOf(cond)))
		if err != nil {
			return nil, fmt.Errorf("%w: %s expects true or false, got %s", ErrBadValue, cond.Field, cond.Value)
		}
		return FlagPredicate{base: base{cond}, Want: b}, nil
	}
}

func operatorAllowed(cat Category, op Operator) bool {
	for _, allowed := range categoryOperators[cat] {
		if allowed == op {
			return true
		}
	}
	return false
}

// scalarOf returns the scalar operand; a single-item list is accepted too.
func scalarOf(cond Condition) string {
	if cond.Value.IsList && len(cond.Value.List) == 1 {
		return cond.Value.List[0]
	}
	if cond.Value.IsList {
		return ""
	}
	return cond.Value.Scalar
}

func compileText(cond Condition) (Predicate, error) {
	var values []string
	switch cond.Operator {
	case OpInList, OpNotInList:
		if cond.Value.IsList {
			values = cond.Value.List
		} else {
			values = []string{cond.Value.Scalar}
		}
		if len(values) == 0 {
			return nil, fmt.Errorf("%w: %s needs at least one list item", ErrBadValue, cond.Operator)
		}
	default:
		if cond.Value.IsList && len(cond.Value.List) != 1 {
			return nil, fmt.Errorf("%w: %s takes a single value, got %s", ErrBadValue, cond.Operator, cond.Value)
		}
		values = []string{scalarOf(cond)}
	}
	for _, v := range values {
		if v == "" {
			return nil, fmt.Errorf("%w: %s %s with an empty value", ErrBadValue, cond.Field, cond.Operator)
		}
	}

	p := TextPredicate{base: base{cond}, Values: values, folded: values}
	if !p.CaseSensitive() {
		p.folded = make([]string, len(values))
		for i, v := range values {
			p.folded[i] = strings.ToLower(v)
		}
	}
	if cond.Operator == OpRegexMatch {
		pattern := values[0]
		if !cond.CaseSensitive {
			pattern = "(?i)" + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %w", ErrBadRegex, values[0], err)
		}
		p.Regex = re
	}
	return p, nil
}
