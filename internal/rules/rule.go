// Package rules defines mailbox rules, validates them into closed predicate
// variants, and evaluates those predicates against fetched messages.
package rules

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rule is a named set of conditions plus an ordered list of actions. Rules are
// read-only to the engine.
type Rule struct {
	ID          string      `json:"id" yaml:"id"`
	Name        string      `json:"name" yaml:"name"`
	Enabled     bool        `json:"is_enabled" yaml:"is_enabled"`
	Priority    int         `json:"priority" yaml:"priority"`
	Conditions  []Condition `json:"conditions" yaml:"conditions"`
	Conjunction Conjunction `json:"condition_conjunction" yaml:"condition_conjunction"`
	Actions     []Action    `json:"actions" yaml:"actions"`
}

// DisplayName prefers the human name and falls back to the ID.
func (r Rule) DisplayName() string {
	if strings.TrimSpace(r.Name) != "" {
		return r.Name
	}
	return r.ID
}

type Conjunction string

const (
	And Conjunction = "AND"
	Or  Conjunction = "OR"
)

func parseConjunction(raw Conjunction) (Conjunction, error) {
	switch strings.ToUpper(strings.TrimSpace(string(raw))) {
	case "", "AND", "ALL":
		return And, nil
	case "OR", "ANY":
		return Or, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrBadConjunction, raw)
	}
}

type Field string

const (
	FieldFrom               Field = "from"
	FieldTo                 Field = "to"
	FieldCc                 Field = "cc"
	FieldBcc                Field = "bcc"
	FieldSubject            Field = "subject"
	FieldBody               Field = "body"
	FieldLabel              Field = "label"
	FieldHasAttachment      Field = "has_attachment"
	FieldAttachmentFilename Field = "attachment_filename"
	FieldMessageSize        Field = "message_size"
	FieldAge                Field = "age"
)

type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpStartsWith  Operator = "starts_with"
	OpEndsWith    Operator = "ends_with"
	OpRegexMatch  Operator = "regex_match"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpInList      Operator = "in_list"
	OpNotInList   Operator = "not_in_list"
)

// Negated reports whether the operator matches when its positive counterpart
// does not.
func (o Operator) Negated() bool {
	switch o {
	case OpNotEquals, OpNotContains, OpNotInList:
		return true
	default:
		return false
	}
}

// Condition is a single predicate over one message field, as authored.
type Condition struct {
	Field         Field    `json:"field" yaml:"field"`
	Operator      Operator `json:"operator" yaml:"operator"`
	Value         Value    `json:"value" yaml:"value"`
	CaseSensitive bool     `json:"case_sensitive,omitempty" yaml:"case_sensitive,omitempty"`
}

func (c Condition) String() string {
	return fmt.Sprintf("%s %s %s", c.Field, c.Operator, c.Value)
}

// Value holds either a scalar or an ordered list of strings.
type Value struct {
	Scalar string
	List   []string
	IsList bool
}

// Scalar builds a single-valued Value.
func Scalar(s string) Value { return Value{Scalar: s} }

// List builds a list Value.
func List(items ...string) Value { return Value{List: items, IsList: true} }

func (v Value) String() string {
	if v.IsList {
		return "[" + strings.Join(v.List, ", ") + "]"
	}
	return fmt.Sprintf("%q", v.Scalar)
}

// UnmarshalYAML accepts scalars of any YAML type and sequences of scalars.
func (v *Value) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*v = Value{Scalar: node.Value}
		return nil
	case yaml.SequenceNode:
		items := make([]string, 0, len(node.Content))
		for _, item := range node.Content {
			if item.Kind != yaml.ScalarNode {
				return fmt.Errorf("line %d: list values must be scalars", item.Line)
			}
			items = append(items, item.Value)
		}
		*v = Value{List: items, IsList: true}
		return nil
	default:
		return fmt.Errorf("line %d: value must be a scalar or a list", node.Line)
	}
}

// MarshalYAML writes the value back in the shape it was read.
func (v Value) MarshalYAML() (any, error) {
	if v.IsList {
		return v.List, nil
	}
	return v.Scalar, nil
}

// MarshalJSON mirrors MarshalYAML.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.IsList {
		return json.Marshal(v.List)
	}
	return json.Marshal(v.Scalar)
}

// UnmarshalJSON accepts a string, number, boolean or array of strings.
func (v *Value) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*v = Value{List: list, IsList: true}
		return nil
	}
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode value: %w", err)
	}
	switch val := raw.(type) {
	case string:
		*v = Value{Scalar: val}
	case bool, float64:
		*v = Value{Scalar: strings.TrimSpace(string(data))}
	default:
		return fmt.Errorf("value must be a scalar or a list of strings")
	}
	return nil
}

type ActionType string

const (
	ActionAddLabel          ActionType = "add_label"
	ActionRemoveLabel       ActionType = "remove_label"
	ActionArchive           ActionType = "archive"
	ActionTrash             ActionType = "trash"
	ActionDeletePermanently ActionType = "delete_permanently"
	ActionMarkRead          ActionType = "mark_read"
	ActionMarkUnread        ActionType = "mark_unread"
)

// Terminal reports whether the action removes the message from further reach.
func (t ActionType) Terminal() bool {
	return t == ActionTrash || t == ActionDeletePermanently
}

// Action is one mutation applied to every matched message.
type Action struct {
	Type       ActionType        `json:"type" yaml:"type"`
	Parameters map[string]string `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// Label returns the label parameter for add_label/remove_label.
func (a Action) Label() string {
	return strings.TrimSpace(a.Parameters["label"])
}

func (a Action) String() string {
	if lbl := a.Label(); lbl != "" {
		return fmt.Sprintf("%s(%s)", a.Type, lbl)
	}
	return string(a.Type)
}
