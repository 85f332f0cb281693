// Package catalog loads the two declarative documents which drive the
// bridge: the mapping catalog, which rewrites raw telemetry frames into
// canonical (object, value) tuples, and the device catalog, which fans each
// object out to its subscribed devices. Both catalogs are loaded once at
// startup and are immutable for the process lifetime.
package catalog

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// ValueType is the declared type of a mapped value.
type ValueType string

const (
	Integer ValueType = "integer"
	Float   ValueType = "float"
	Text    ValueType = "text"
	Boolean ValueType = "boolean"
)

// ParseValueType validates a declared value type.
func ParseValueType(s string) (ValueType, error) {
	switch t := ValueType(s); t {
	case Integer, Float, Text, Boolean:
		return t, nil
	default:
		return "", fmt.Errorf("unknown value type %q (expected integer, float, text, or boolean)", s)
	}
}

// MappingRule rewrites frames bearing its (equip_tag, message_id) pair into
// the named object, with the payload value coerced to Type.
type MappingRule struct {
	EquipTag  string    `yaml:"equip_tag"`
	MessageID string    `yaml:"message_id"`
	Object    string    `yaml:"object"`
	Type      ValueType `yaml:"value_type"`
}

type ruleKey struct {
	equipTag  string
	messageID string
}

// Mapping is the immutable mapping catalog: a constant-time lookup from
// (equip_tag, message_id) to its MappingRule.
type Mapping struct {
	rules []MappingRule
	index map[ruleKey]MappingRule
}

// LoadMapping reads and parses the mapping catalog document at path.
func LoadMapping(path string) (*Mapping, error) {
	var doc, err = os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading mapping catalog: %w", err)
	}
	m, err := ParseMapping(doc)
	if err != nil {
		return nil, fmt.Errorf("mapping catalog %s: %w", path, err)
	}
	return m, nil
}

// ParseMapping parses a mapping catalog document. Duplicate
// (equip_tag, message_id) pairs are an error rather than a silent pick.
func ParseMapping(doc []byte) (*Mapping, error) {
	var parsed struct {
		Mappings []MappingRule `yaml:"mappings"`
	}
	if err := decodeStrict(doc, &parsed); err != nil {
		return nil, err
	}

	var m = &Mapping{
		rules: parsed.Mappings,
		index: make(map[ruleKey]MappingRule, len(parsed.Mappings)),
	}
	for i, rule := range m.rules {
		if rule.EquipTag == "" {
			return nil, fmt.Errorf("mapping %d: equip_tag is required", i)
		}
		if rule.MessageID == "" {
			return nil, fmt.Errorf("mapping %d: message_id is required", i)
		}
		if rule.Object == "" {
			return nil, fmt.Errorf("mapping %d (%s, %s): object is required", i, rule.EquipTag, rule.MessageID)
		}
		if _, err := ParseValueType(string(rule.Type)); err != nil {
			return nil, fmt.Errorf("mapping %d (%s, %s): %w", i, rule.EquipTag, rule.MessageID, err)
		}

		var key = ruleKey{rule.EquipTag, rule.MessageID}
		if _, ok := m.index[key]; ok {
			return nil, fmt.Errorf("duplicate mapping key (%s, %s)", rule.EquipTag, rule.MessageID)
		}
		m.index[key] = rule
	}
	return m, nil
}

// Lookup returns the rule for the (equipTag, messageID) pair.
func (m *Mapping) Lookup(equipTag, messageID string) (MappingRule, bool) {
	var rule, ok = m.index[ruleKey{equipTag, messageID}]
	return rule, ok
}

// Rules returns the catalog's rules in document order.
func (m *Mapping) Rules() []MappingRule { return m.rules }

// Len returns the number of rules.
func (m *Mapping) Len() int { return len(m.rules) }

// Objects returns the distinct object names produced by this catalog, in
// first-appearance order.
func (m *Mapping) Objects() []string {
	var seen = make(map[string]struct{}, len(m.rules))
	var out []string
	for _, rule := range m.rules {
		if _, ok := seen[rule.Object]; !ok {
			seen[rule.Object] = struct{}{}
			out = append(out, rule.Object)
		}
	}
	return out
}

// Marshal re-serializes the catalog. Loading, marshalling, and re-loading
// reproduces the same in-memory catalog.
func (m *Mapping) Marshal() ([]byte, error) {
	var doc = struct {
		Mappings []MappingRule `yaml:"mappings"`
	}{Mappings: m.rules}
	return marshalIndented(&doc)
}

func decodeStrict(doc []byte, into interface{}) error {
	var dec = yaml.NewDecoder(bytes.NewReader(doc))
	dec.KnownFields(true)
	if err := dec.Decode(into); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decoding document: %w", err)
	}
	return nil
}

func marshalIndented(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	var enc = yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
