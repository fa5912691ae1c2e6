package mapping

import (
	"fmt"
	"path"
	"strings"
)

const DefaultSchemaVersion = "1.0"

// Repair returns a copy of m with every section present and per-rule defaults filled in.
// A nil mapping becomes the minimal skeleton. Repair never fails; problems that cannot be
// defaulted are left for Check.
func Repair(m *Mapping) *Mapping {
	out := &Mapping{}
	if m != nil {
		*out = *m
	}
	out.SchemaVersion = strings.TrimSpace(out.SchemaVersion)
	if out.SchemaVersion == "" {
		out.SchemaVersion = DefaultSchemaVersion
	}
	out.SourceSystem = strings.TrimSpace(out.SourceSystem)

	names := map[string]int{}
	uniqueName := func(name, source string) string {
		names[name]++
		if names[name] == 1 {
			return name
		}
		return name + "@" + path.Base(source)
	}

	nodes := make([]NodeRule, 0, len(out.Nodes))
	for _, n := range out.Nodes {
		n.Label = strings.TrimSpace(n.Label)
		n.SourceFile = strings.TrimSpace(n.SourceFile)
		n.KeyColumn = strings.TrimSpace(n.KeyColumn)
		n.KeyProperty = strings.TrimSpace(n.KeyProperty)
		if n.KeyProperty == "" {
			n.KeyProperty = n.KeyColumn
		}
		n.KeyType = normalizeType(n.KeyType)
		n.Transform = append([]string(nil), n.Transform...)
		n.Properties = repairProperties(n.Properties)
		n.Name = strings.TrimSpace(n.Name)
		if n.Name == "" {
			n.Name = "nodes." + n.Label
		}
		n.Name = uniqueName(n.Name, n.SourceFile)
		nodes = append(nodes, n)
	}
	out.Nodes = nodes

	rels := make([]RelRule, 0, len(out.Relationships))
	for _, r := range out.Relationships {
		r.Type = strings.TrimSpace(r.Type)
		r.SourceFile = strings.TrimSpace(r.SourceFile)
		r.FromLabel = strings.TrimSpace(r.FromLabel)
		r.FromKeyColumn = strings.TrimSpace(r.FromKeyColumn)
		r.ToLabel = strings.TrimSpace(r.ToLabel)
		r.ToKeyColumn = strings.TrimSpace(r.ToKeyColumn)
		r.KeyProperties = repairProperties(r.KeyProperties)
		r.Properties = repairProperties(r.Properties)
		r.Name = strings.TrimSpace(r.Name)
		if r.Name == "" {
			r.Name = "relationships." + r.Type
		}
		r.Name = uniqueName(r.Name, r.SourceFile)
		rels = append(rels, r)
	}
	out.Relationships = rels

	derived := make([]DerivedRule, 0, len(out.Derived))
	for _, d := range out.Derived {
		d.FromGenericType = strings.TrimSpace(d.FromGenericType)
		d.DiscriminatorProperty = strings.TrimSpace(d.DiscriminatorProperty)
		d.PromotedType = strings.TrimSpace(d.PromotedType)
		d.Name = strings.TrimSpace(d.Name)
		if d.Name == "" {
			d.Name = "derived." + d.PromotedType
		}
		d.Name = uniqueName(d.Name, d.FromGenericType)
		derived = append(derived, d)
	}
	out.Derived = derived

	assertions := make([]Assertion, 0, len(out.Validations))
	for _, a := range out.Validations {
		a.Kind = AssertionKind(strings.ToLower(strings.TrimSpace(string(a.Kind))))
		a.Target = strings.TrimSpace(a.Target)
		params := make(map[string]any, len(a.Parameters))
		for k, v := range a.Parameters {
			params[k] = v
		}
		a.Parameters = params
		a.Name = strings.TrimSpace(a.Name)
		if a.Name == "" {
			a.Name = fmt.Sprintf("%s:%s", a.Kind, a.Target)
		}
		assertions = append(assertions, a)
	}
	out.Validations = assertions

	indexes := make([]IndexSpec, 0, len(out.Indexes))
	for _, ix := range out.Indexes {
		ix.Kind = IndexKind(strings.ToLower(strings.TrimSpace(string(ix.Kind))))
		ix.Label = strings.TrimSpace(ix.Label)
		ix.Type = strings.TrimSpace(ix.Type)
		ix.Properties = append([]string{}, ix.Properties...)
		indexes = append(indexes, ix)
	}
	out.Indexes = indexes

	return out
}

func repairProperties(in []Property) []Property {
	out := make([]Property, 0, len(in))
	for _, p := range in {
		p.Column = strings.TrimSpace(p.Column)
		p.Target = strings.TrimSpace(p.Target)
		if p.Target == "" {
			p.Target = p.Column
		}
		p.Type = normalizeType(p.Type)
		p.Transform = append([]string(nil), p.Transform...)
		out = append(out, p)
	}
	return out
}

func normalizeType(t ValueType) ValueType {
	s := ValueType(strings.ToLower(strings.TrimSpace(string(t))))
	switch s {
	case "":
		return TypeString
	case "integer", "long":
		return TypeInt
	case "double", "number":
		return TypeFloat
	case "boolean":
		return TypeBool
	default:
		return s
	}
}
