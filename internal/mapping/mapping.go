package mapping

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type ValueType string

const (
	TypeString ValueType = "string"
	TypeInt    ValueType = "int"
	TypeFloat  ValueType = "float"
	TypeBool   ValueType = "bool"
)

func (t ValueType) Valid() bool {
	switch t {
	case TypeString, TypeInt, TypeFloat, TypeBool:
		return true
	default:
		return false
	}
}

type Property struct {
	Column    string    `json:"column" yaml:"column"`
	Target    string    `json:"target_property" yaml:"target_property"`
	Type      ValueType `json:"type" yaml:"type"`
	Transform []string  `json:"transform,omitempty" yaml:"transform,omitempty"`
}

// NodeRule maps rows of SourceFile onto nodes of Label keyed by KeyColumn. KeyProperty is the
// node property the key is stored under and defaults to KeyColumn.
type NodeRule struct {
	Name        string     `json:"name,omitempty" yaml:"name,omitempty"`
	Label       string     `json:"label" yaml:"label"`
	SourceFile  string     `json:"source_file" yaml:"source_file"`
	KeyColumn   string     `json:"key_column" yaml:"key_column"`
	KeyProperty string     `json:"key_property,omitempty" yaml:"key_property,omitempty"`
	KeyType     ValueType  `json:"key_type" yaml:"key_type"`
	Transform   []string   `json:"key_transform,omitempty" yaml:"key_transform,omitempty"`
	Properties  []Property `json:"properties" yaml:"properties"`
}

// RelRule maps rows of SourceFile onto edges of Type between existing nodes. KeyProperties
// join the merge key, so a generic type with a discriminator keeps one edge per value.
type RelRule struct {
	Name          string     `json:"name,omitempty" yaml:"name,omitempty"`
	Type          string     `json:"type" yaml:"type"`
	SourceFile    string     `json:"source_file" yaml:"source_file"`
	FromLabel     string     `json:"from_label" yaml:"from_label"`
	FromKeyColumn string     `json:"from_key_column" yaml:"from_key_column"`
	ToLabel       string     `json:"to_label" yaml:"to_label"`
	ToKeyColumn   string     `json:"to_key_column" yaml:"to_key_column"`
	KeyProperties []Property `json:"key_properties,omitempty" yaml:"key_properties,omitempty"`
	Properties    []Property `json:"properties" yaml:"properties"`
}

type DerivedRule struct {
	Name                  string `json:"name,omitempty" yaml:"name,omitempty"`
	FromGenericType       string `json:"from_generic_type" yaml:"from_generic_type"`
	DiscriminatorProperty string `json:"discriminator_property" yaml:"discriminator_property"`
	DiscriminatorValue    any    `json:"discriminator_value" yaml:"discriminator_value"`
	PromotedType          string `json:"promoted_type" yaml:"promoted_type"`
}

type AssertionKind string

const (
	NodeCountMin    AssertionKind = "node_count_min"
	PropertyNonNull AssertionKind = "property_non_null"
	EdgeExists      AssertionKind = "edge_exists"
	CypherAssertion AssertionKind = "cypher"
)

type Assertion struct {
	Name       string         `json:"name,omitempty" yaml:"name,omitempty"`
	Kind       AssertionKind  `json:"kind" yaml:"kind"`
	Target     string         `json:"target" yaml:"target"`
	Parameters map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

type IndexKind string

const (
	IndexConstraint IndexKind = "constraint"
	IndexNode       IndexKind = "index"
	IndexRel        IndexKind = "rel_index"
)

type IndexSpec struct {
	Kind       IndexKind `json:"kind" yaml:"kind"`
	Label      string    `json:"label,omitempty" yaml:"label,omitempty"`
	Type       string    `json:"type,omitempty" yaml:"type,omitempty"`
	Properties []string  `json:"properties" yaml:"properties"`
	Unique     bool      `json:"unique,omitempty" yaml:"unique,omitempty"`
}

type Mapping struct {
	SchemaVersion string        `json:"schema_version" yaml:"schema_version"`
	SourceSystem  string        `json:"source_system,omitempty" yaml:"source_system,omitempty"`
	Nodes         []NodeRule    `json:"nodes" yaml:"nodes"`
	Relationships []RelRule     `json:"relationships" yaml:"relationships"`
	Derived       []DerivedRule `json:"derived" yaml:"derived"`
	Validations   []Assertion   `json:"validations" yaml:"validations"`
	Indexes       []IndexSpec   `json:"indexes" yaml:"indexes"`
}

// Parse decodes a JSON mapping and repairs it. Unknown fields are ignored and absent
// sections come back empty; an empty document yields the skeleton.
func Parse(raw []byte) (*Mapping, error) {
	if strings.TrimSpace(string(raw)) == "" {
		return Repair(nil), nil
	}
	var m Mapping
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("mapping: decode json: %w", err)
	}
	return Repair(&m), nil
}

func ParseYAML(raw []byte) (*Mapping, error) {
	if strings.TrimSpace(string(raw)) == "" {
		return Repair(nil), nil
	}
	var m Mapping
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("mapping: decode yaml: %w", err)
	}
	return Repair(&m), nil
}

// Load reads a mapping file; .yaml/.yml use the YAML decoder, anything else JSON.
func Load(path string) (*Mapping, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("mapping: read %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAML(raw)
	default:
		return Parse(raw)
	}
}

// NodeRulesFor returns every node rule carrying label.
func (m *Mapping) NodeRulesFor(label string) []NodeRule {
	var out []NodeRule
	for _, n := range m.Nodes {
		if n.Label == label {
			out = append(out, n)
		}
	}
	return out
}

// NodeRuleFor returns the first node rule for label. Endpoint matching uses its key.
func (m *Mapping) NodeRuleFor(label string) (NodeRule, bool) {
	rules := m.NodeRulesFor(label)
	if len(rules) == 0 {
		return NodeRule{}, false
	}
	return rules[0], true
}

func (m *Mapping) RelRulesOfType(relType string) []RelRule {
	var out []RelRule
	for _, r := range m.Relationships {
		if r.Type == relType {
			out = append(out, r)
		}
	}
	return out
}

// SourceFiles lists every file the mapping reads, in first-use order.
func (m *Mapping) SourceFiles() []string {
	seen := map[string]struct{}{}
	var out []string
	add := func(name string) {
		name = strings.TrimSpace(name)
		if name == "" {
			return
		}
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	for _, n := range m.Nodes {
		add(n.SourceFile)
	}
	for _, r := range m.Relationships {
		add(r.SourceFile)
	}
	return out
}
