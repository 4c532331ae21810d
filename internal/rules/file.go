package rules

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// File is the on-disk shape of a rule set.
type File struct {
	Rules []Rule `yaml:"rules"`
}

// fileRule mirrors Rule but lets is_enabled default to true when omitted.
type fileRule struct {
	ID          string      `yaml:"id"`
	Name        string      `yaml:"name"`
	Enabled     *bool       `yaml:"is_enabled"`
	Priority    int         `yaml:"priority"`
	Conditions  []Condition `yaml:"conditions"`
	Conjunction Conjunction `yaml:"condition_conjunction"`
	Actions     []Action    `yaml:"actions"`
}

// LoadFile reads a YAML rule set from path.
func LoadFile(path string) ([]Rule, error) {
	f, err := os.Open(path) // #nosec G304 - path chosen by the operator
	if err != nil {
		return nil, fmt.Errorf("open rules %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	rs, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode rules %s: %w", path, err)
	}
	return rs, nil
}

// Decode parses a YAML rule set. Unknown keys are rejected so typos surface
// instead of silently disabling a condition.
func Decode(r io.Reader) ([]Rule, error) {
	var doc struct {
		Rules []fileRule `yaml:"rules"`
	}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, err
	}
	out := make([]Rule, 0, len(doc.Rules))
	for _, fr := range doc.Rules {
		enabled := true
		if fr.Enabled != nil {
			enabled = *fr.Enabled
		}
		out = append(out, Rule{
			ID:          fr.ID,
			Name:        fr.Name,
			Enabled:     enabled,
			Priority:    fr.Priority,
			Conditions:  fr.Conditions,
			Conjunction: fr.Conjunction,
			Actions:     fr.Actions,
		})
	}
	return out, nil
}

// Encode writes rules in the format Decode reads.
func Encode(w io.Writer, rs []Rule) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(File{Rules: rs}); err != nil {
		return fmt.Errorf("encode rules: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encode rules: %w", err)
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write rules: %w", err)
	}
	return nil
}
