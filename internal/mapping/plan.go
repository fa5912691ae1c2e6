package mapping

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/yungbote/graphstage/internal/domain/ingest"
)

type StepKind string

const (
	StepNodes         StepKind = "nodes"
	StepRelationships StepKind = "relationships"
	StepDerived       StepKind = "derived"
)

// Step is one entry of the load order. Index points into the matching mapping section.
type Step struct {
	Kind  StepKind
	Index int
	Name  string
}

var knownTransforms = map[string]struct{}{"trim": {}, "lower": {}, "upper": {}}

// Plan checks m and returns its load order: node rules, then relationship rules, then
// derived rules in declaration order.
func Plan(m *Mapping) ([]Step, error) {
	if err := Check(m); err != nil {
		return nil, err
	}
	steps := make([]Step, 0, len(m.Nodes)+len(m.Relationships)+len(m.Derived))
	for i, n := range m.Nodes {
		steps = append(steps, Step{Kind: StepNodes, Index: i, Name: n.Name})
	}
	for i, r := range m.Relationships {
		steps = append(steps, Step{Kind: StepRelationships, Index: i, Name: r.Name})
	}
	for i, d := range m.Derived {
		steps = append(steps, Step{Kind: StepDerived, Index: i, Name: d.Name})
	}
	return steps, nil
}

// Check reports every configuration problem in m at once.
func Check(m *Mapping) error {
	if m == nil {
		return ingest.ConfigError("mapping is nil")
	}
	var problems []string
	addf := func(format string, args ...any) { problems = append(problems, fmt.Sprintf(format, args...)) }

	for _, n := range m.Nodes {
		if !validIdent(n.Label) {
			addf("%s: invalid label %q", n.Name, n.Label)
		}
		if n.SourceFile == "" {
			addf("%s: source_file is required", n.Name)
		}
		if n.KeyColumn == "" {
			addf("%s: key_column is required", n.Name)
		}
		if !validIdent(n.KeyProperty) {
			addf("%s: invalid key property %q", n.Name, n.KeyProperty)
		}
		if !n.KeyType.Valid() {
			addf("%s: unknown key_type %q", n.Name, n.KeyType)
		}
		checkTransforms(n.Name, n.Transform, addf)
		checkProperties(n.Name, n.Properties, addf)
	}
	for _, label := range labelsWithConflictingKeys(m) {
		addf("label %q is declared with different key properties or types", label)
	}

	for _, r := range m.Relationships {
		if !validIdent(r.Type) {
			addf("%s: invalid relationship type %q", r.Name, r.Type)
		}
		if r.SourceFile == "" {
			addf("%s: source_file is required", r.Name)
		}
		if r.FromKeyColumn == "" || r.ToKeyColumn == "" {
			addf("%s: from_key_column and to_key_column are required", r.Name)
		}
		if _, ok := m.NodeRuleFor(r.FromLabel); !ok {
			addf("%s: from_label %q has no node rule", r.Name, r.FromLabel)
		}
		if _, ok := m.NodeRuleFor(r.ToLabel); !ok {
			addf("%s: to_label %q has no node rule", r.Name, r.ToLabel)
		}
		checkProperties(r.Name, r.KeyProperties, addf)
		checkProperties(r.Name, r.Properties, addf)
	}

	for _, d := range m.Derived {
		if len(m.RelRulesOfType(d.FromGenericType)) == 0 {
			addf("%s: from_generic_type %q is not a declared relationship type", d.Name, d.FromGenericType)
			continue
		}
		if !validIdent(d.PromotedType) {
			addf("%s: invalid promoted_type %q", d.Name, d.PromotedType)
		}
		if d.PromotedType == d.FromGenericType {
			addf("%s: promoted_type must differ from the generic type", d.Name)
		}
		if d.DiscriminatorValue == nil {
			addf("%s: discriminator_value is required", d.Name)
		}
		if _, err := m.PromotionValue(d); err != nil {
			addf("%s: %v", d.Name, err)
		}
	}

	for _, a := range m.Validations {
		switch a.Kind {
		case NodeCountMin, PropertyNonNull, EdgeExists:
			if a.Target == "" {
				addf("assertion %s: target is required", a.Name)
			}
			if a.Kind == PropertyNonNull {
				if p, _ := a.Parameters["property"].(string); strings.TrimSpace(p) == "" {
					addf("assertion %s: parameters.property is required", a.Name)
				}
			}
		case CypherAssertion:
			if a.Query() == "" {
				addf("assertion %s: parameters.query is required", a.Name)
			}
		default:
			addf("assertion %s: unknown kind %q", a.Name, a.Kind)
		}
	}

	for i, ix := range m.Indexes {
		switch ix.Kind {
		case IndexConstraint, IndexNode:
			if !validIdent(ix.Label) {
				addf("indexes[%d]: invalid label %q", i, ix.Label)
			}
		case IndexRel:
			if !validIdent(ix.Type) {
				addf("indexes[%d]: invalid relationship type %q", i, ix.Type)
			}
		default:
			addf("indexes[%d]: unknown kind %q", i, ix.Kind)
		}
		if len(ix.Properties) == 0 {
			addf("indexes[%d]: properties are required", i)
		}
	}

	if len(problems) > 0 {
		return &ingest.ConfigurationError{Problems: problems}
	}
	return nil
}

// Query returns the Cypher text of a cypher assertion.
func (a Assertion) Query() string {
	if q, ok := a.Parameters["query"].(string); ok && strings.TrimSpace(q) != "" {
		return strings.TrimSpace(q)
	}
	return a.Target
}

// PromotionValue returns the discriminator value of d coerced to the type the generic
// relationship rules store the discriminator property as.
func (m *Mapping) PromotionValue(d DerivedRule) (any, error) {
	if strings.TrimSpace(d.DiscriminatorProperty) == "" {
		return nil, fmt.Errorf("discriminator_property is required")
	}
	var (
		typ   ValueType
		found bool
	)
	for _, r := range m.RelRulesOfType(d.FromGenericType) {
		for _, p := range append(append([]Property{}, r.KeyProperties...), r.Properties...) {
			if p.Target == d.DiscriminatorProperty {
				typ, found = p.Type, true
			}
		}
	}
	if !found {
		return nil, fmt.Errorf("discriminator property %q is not mapped on %q", d.DiscriminatorProperty, d.FromGenericType)
	}
	return CoerceValue(d.DiscriminatorValue, typ)
}

// CoerceValue converts a decoded document value into the Go type a ValueType stores as.
func CoerceValue(v any, t ValueType) (any, error) {
	switch t {
	case TypeInt:
		switch x := v.(type) {
		case int:
			return int64(x), nil
		case int64:
			return x, nil
		case float64:
			if x != math.Trunc(x) {
				return nil, fmt.Errorf("value %v is not an integer", x)
			}
			return int64(x), nil
		case string:
			return strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		}
	case TypeFloat:
		switch x := v.(type) {
		case int:
			return float64(x), nil
		case int64:
			return float64(x), nil
		case float64:
			return x, nil
		case string:
			return strconv.ParseFloat(strings.TrimSpace(x), 64)
		}
	case TypeBool:
		switch x := v.(type) {
		case bool:
			return x, nil
		case string:
			return strconv.ParseBool(strings.TrimSpace(x))
		}
	case TypeString:
		switch x := v.(type) {
		case string:
			return x, nil
		case nil:
		default:
			return fmt.Sprint(x), nil
		}
	}
	return nil, fmt.Errorf("cannot use %v (%T) as %s", v, v, t)
}

func checkProperties(rule string, props []Property, addf func(string, ...any)) {
	for _, p := range props {
		if p.Column == "" {
			addf("%s: property column is required", rule)
		}
		if !validIdent(p.Target) {
			addf("%s: invalid target_property %q", rule, p.Target)
		}
		if !p.Type.Valid() {
			addf("%s: property %s has unknown type %q", rule, p.Column, p.Type)
		}
		checkTransforms(rule, p.Transform, addf)
	}
}

func checkTransforms(rule string, transforms []string, addf func(string, ...any)) {
	for _, t := range transforms {
		if _, ok := knownTransforms[strings.ToLower(strings.TrimSpace(t))]; !ok {
			addf("%s: unknown transform %q", rule, t)
		}
	}
}

func labelsWithConflictingKeys(m *Mapping) []string {
	seen := map[string]NodeRule{}
	var out []string
	for _, n := range m.Nodes {
		prev, ok := seen[n.Label]
		if !ok {
			seen[n.Label] = n
			continue
		}
		if prev.KeyProperty != n.KeyProperty || prev.KeyType != n.KeyType {
			out = append(out, n.Label)
		}
	}
	return out
}

// validIdent rejects names that cannot be safely backtick-quoted into Cypher.
func validIdent(s string) bool {
	return strings.TrimSpace(s) != "" && !strings.ContainsAny(s, "`\x00")
}
