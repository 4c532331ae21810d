// Package query splits a rule's predicates into a Gmail search filter and the
// residual predicates that must be checked on fetched messages.
package query

import (
	"strconv"
	"strings"
	"time"

	"github.com/joshsymonds/inboxrules/internal/rules"
)

// Plan is the outcome of translating one rule.
type Plan struct {
	// Filter is the Gmail search string; empty means no narrowing.
	Filter string
	// Residual holds the predicates evaluated client-side, in rule order.
	Residual []rules.Predicate
	// Pushed holds the predicates represented in Filter, in rule order.
	Pushed []rules.Predicate
	// FullScan is set when Filter is empty and every message must be fetched.
	FullScan bool
}

// precision describes how faithfully a term reproduces a predicate.
type precision int

const (
	// unsupported predicates have no Gmail search equivalent.
	unsupported precision = iota
	// approximate terms return a superset; the predicate stays residual.
	approximate
	// exact terms match the same messages as the predicate.
	exact
)

type term struct {
	text string
	prec precision
}

// Translate builds the plan for preds combined with conj. now anchors age
// predicates to absolute dates.
//
// AND: every translatable predicate contributes a term, approximate ones are
// also kept residual. OR: terms are grouped in braces only when every
// predicate translates; otherwise the filter is dropped and everything is
// residual.
func Translate(preds []rules.Predicate, conj rules.Conjunction, now time.Time) Plan {
	terms := make([]term, len(preds))
	for i, p := range preds {
		terms[i] = translate(p, now)
	}
	if conj == rules.Or {
		return translateOr(preds, terms)
	}

	var plan Plan
	var parts []string
	for i, p := range preds {
		t := terms[i]
		if t.prec != unsupported {
			parts = append(parts, t.text)
			plan.Pushed = append(plan.Pushed, p)
		}
		if t.prec != exact {
			plan.Residual = append(plan.Residual, p)
		}
	}
	plan.Filter = strings.Join(parts, " ")
	plan.FullScan = plan.Filter == ""
	return plan
}

func translateOr(preds []rules.Predicate, terms []term) Plan {
	allExact := true
	for _, t := range terms {
		if t.prec == unsupported {
			return Plan{Residual: append([]rules.Predicate(nil), preds...), FullScan: true}
		}
		if t.prec != exact {
			allExact = false
		}
	}
	if len(terms) == 0 {
		return Plan{FullScan: true}
	}
	parts := make([]string, len(terms))
	for i, t := range terms {
		parts[i] = t.text
	}
	plan := Plan{Pushed: append([]rules.Predicate(nil), preds...)}
	if len(parts) == 1 {
		plan.Filter = parts[0]
	} else {
		plan.Filter = "{" + strings.Join(parts, " ") + "}"
	}
	if !allExact {
		plan.Residual = append([]rules.Predicate(nil), preds...)
	}
	return plan
}

var searchOperator = map[rules.Field]string{
	rules.FieldFrom:    "from",
	rules.FieldTo:      "to",
	rules.FieldCc:      "cc",
	rules.FieldBcc:     "bcc",
	rules.FieldSubject: "subject",
	rules.FieldLabel:   "label",
}

func translate(p rules.Predicate, now time.Time) term {
	switch pred := p.(type) {
	case rules.TextPredicate:
		return translateText(pred)
	case rules.SizePredicate:
		switch pred.Operator() {
		case rules.OpGreaterThan:
			return term{text: "larger:" + strconv.FormatInt(pred.Bytes, 10), prec: exact}
		case rules.OpLessThan:
			return term{text: "smaller:" + strconv.FormatInt(pred.Bytes, 10), prec: exact}
		}
	case rules.AgePredicate:
		cutoff := strconv.FormatInt(now.Add(-pred.Age).Unix(), 10)
		switch pred.Operator() {
		case rules.OpGreaterThan:
			return term{text: "before:" + cutoff, prec: exact}
		case rules.OpLessThan:
			return term{text: "after:" + cutoff, prec: exact}
		}
	case rules.FlagPredicate:
		want := pred.Want
		if pred.Operator() == rules.OpNotEquals {
			want = !want
		}
		if want {
			return term{text: "has:attachment", prec: exact}
		}
		return term{text: "-has:attachment", prec: exact}
	}
	return term{}
}

func translateText(p rules.TextPredicate) term {
	op, ok := searchOperator[p.Field()]
	if !ok {
		return term{}
	}
	for _, v := range p.Values {
		if strings.Contains(v, `"`) {
			return term{}
		}
	}
	isLabel := p.Field() == rules.FieldLabel

	// Gmail search ignores case, so a case-sensitive predicate can only narrow.
	positive := exact
	if p.CaseSensitive() {
		positive = approximate
	}

	switch p.Operator() {
	case rules.OpContains:
		if isLabel {
			return term{}
		}
		// Gmail matches address and subject terms by token, so the fetched
		// messages are confirmed client-side.
		return term{text: quoted(op, p.Values[0]), prec: approximate}
	case rules.OpEquals, rules.OpInList:
		prec := positive
		if !isLabel {
			prec = approximate
		}
		return term{text: anyOf(op, p.Values), prec: prec}
	case rules.OpNotContains:
		if isLabel {
			return term{}
		}
		// A negated search term also matches messages without the header,
		// which never satisfy the predicate, so these only narrow.
		return term{text: "-" + quoted(op, p.Values[0]), prec: approximate}
	case rules.OpNotEquals, rules.OpNotInList:
		if !isLabel {
			return term{}
		}
		return term{text: noneOf(op, p.Values), prec: approximate}
	}
	return term{}
}

func quoted(op, v string) string {
	return op + `:"` + v + `"`
}

func anyOf(op string, values []string) string {
	if len(values) == 1 {
		return quoted(op, values[0])
	}
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = quoted(op, v)
	}
	return "{" + strings.Join(parts, " ") + "}"
}

func noneOf(op string, values []string) string {
	if len(values) == 1 {
		return "-" + quoted(op, values[0])
	}
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = "-" + quoted(op, v)
	}
	return "(" + strings.Join(parts, " ") + ")"
}
