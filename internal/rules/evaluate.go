package rules

import (
	"net/mail"
	"strings"
	"time"

	"github.com/joshsymonds/inboxrules/internal/gmail"
)

// Evaluate reports whether msg satisfies p at time now. It never fails: a
// field the message does not carry makes every operator non-matching.
func Evaluate(p Predicate, msg gmail.Message, now time.Time) bool {
	switch pred := p.(type) {
	case TextPredicate:
		values, ok := textValues(pred.Field(), msg)
		if !ok {
			return false
		}
		return evaluateText(pred, values)
	case SizePredicate:
		if msg.SizeEstimate <= 0 {
			return false
		}
		return compareInt(pred.Operator(), msg.SizeEstimate, pred.Bytes)
	case AgePredicate:
		if msg.ReceivedAt.IsZero() {
			return false
		}
		return compareInt(pred.Operator(), int64(now.Sub(msg.ReceivedAt)), int64(pred.Age))
	case FlagPredicate:
		got := msg.HasAttachment || len(msg.AttachmentNames) > 0
		if pred.Operator() == OpNotEquals {
			return got != pred.Want
		}
		return got == pred.Want
	default:
		return false
	}
}

// EvaluateAll combines predicates with conj. An empty set matches.
func EvaluateAll(preds []Predicate, conj Conjunction, msg gmail.Message, now time.Time) bool {
	if len(preds) == 0 {
		return true
	}
	if conj == Or {
		for _, p := range preds {
			if Evaluate(p, msg, now) {
				return true
			}
		}
		return false
	}
	for _, p := range preds {
		if !Evaluate(p, msg, now) {
			return false
		}
	}
	return true
}

func compareInt(op Operator, got, want int64) bool {
	switch op {
	case OpGreaterThan:
		return got > want
	case OpLessThan:
		return got < want
	case OpEquals:
		return got == want
	case OpNotEquals:
		return got != want
	default:
		return false
	}
}

// textEntry is one value of a possibly multi-valued field. addr holds the bare
// address for address fields so equality can match either form.
type textEntry struct {
	raw  string
	addr string
}

func textValues(field Field, msg gmail.Message) ([]textEntry, bool) {
	switch field {
	case FieldFrom:
		return addressEntries(msg.Headers, "From")
	case FieldTo:
		return addressEntries(msg.Headers, "To")
	case FieldCc:
		return addressEntries(msg.Headers, "Cc")
	case FieldBcc:
		return addressEntries(msg.Headers, "Bcc")
	case FieldSubject:
		subject, ok := msg.Headers["Subject"]
		if !ok {
			return nil, false
		}
		return []textEntry{{raw: subject}}, true
	case FieldBody:
		if msg.Body == "" {
			return nil, false
		}
		return []textEntry{{raw: msg.Body}}, true
	case FieldLabel:
		return plainEntries(msg.LabelNames)
	case FieldAttachmentFilename:
		return plainEntries(msg.AttachmentNames)
	default:
		return nil, false
	}
}

func plainEntries(values []string) ([]textEntry, bool) {
	if len(values) == 0 {
		return nil, false
	}
	out := make([]textEntry, 0, len(values))
	for _, v := range values {
		out = append(out, textEntry{raw: v})
	}
	return out, true
}

func addressEntries(headers map[string]string, name string) ([]textEntry, bool) {
	raw := strings.TrimSpace(headers[name])
	if raw == "" {
		return nil, false
	}
	addrs, err := mail.ParseAddressList(raw)
	if err != nil {
		parts := strings.Split(raw, ",")
		out := make([]textEntry, 0, len(parts))
		for _, part := range parts {
			part = strings.TrimSpace(part)
			if part != "" {
				out = append(out, textEntry{raw: part, addr: bareAddress(part)})
			}
		}
		return out, len(out) > 0
	}
	out := make([]textEntry, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, textEntry{raw: a.String(), addr: a.Address})
	}
	if len(addrs) == 1 {
		// Keep the header as written; mail.Address.String re-encodes names.
		out[0].raw = raw
	}
	return out, true
}

func bareAddress(s string) string {
	if open := strings.LastIndex(s, "<"); open >= 0 {
		if end := strings.LastIndex(s, ">"); end > open {
			return strings.TrimSpace(s[open+1 : end])
		}
	}
	return ""
}

func evaluateText(p TextPredicate, values []textEntry) bool {
	positive := anyText(p, values)
	if p.Operator().Negated() {
		return !positive
	}
	return positive
}

func anyText(p TextPredicate, values []textEntry) bool {
	for _, v := range values {
		if matchText(p, v) {
			return true
		}
	}
	return false
}

func matchText(p TextPredicate, v textEntry) bool {
	if p.Operator() == OpRegexMatch {
		return p.Regex != nil && p.Regex.MatchString(v.raw)
	}
	raw, addr := v.raw, v.addr
	if !p.CaseSensitive() {
		raw, addr = strings.ToLower(raw), strings.ToLower(addr)
	}
	switch p.Operator() {
	case OpEquals, OpNotEquals, OpInList, OpNotInList:
		for _, want := range p.folded {
			if raw == want || (addr != "" && addr == want) {
				return true
			}
		}
		return false
	case OpContains, OpNotContains:
		return strings.Contains(raw, p.folded[0])
	case OpStartsWith:
		return strings.HasPrefix(raw, p.folded[0]) || (addr != "" && strings.HasPrefix(addr, p.folded[0]))
	case OpEndsWith:
		return strings.HasSuffix(raw, p.folded[0]) || (addr != "" && strings.HasSuffix(addr, p.folded[0]))
	default:
		return false
	}
}
