package sanitize

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/yungbote/graphstage/internal/domain/ingest"
	"github.com/yungbote/graphstage/internal/mapping"
)

// DefaultSentinel is the null marker MySQL-style exports write for SQL NULL.
const DefaultSentinel = `\N`

const bom = "\uFEFF"

// Value is a typed cell. Valid=false is the absent marker and is never the zero value of the type.
type Value struct {
	V     any
	Valid bool
}

func Absent() Value { return Value{} }

func Present(v any) Value { return Value{V: v, Valid: true} }

// Row is one raw CSV record addressed by header name. Line is 1-based and counts the header.
type Row struct {
	Line   int
	Fields map[string]string
}

type Role int

const (
	RoleProperty Role = iota
	RoleNodeKey
	RoleFromKey
	RoleToKey
	RoleKeyProperty
)

func (r Role) Required() bool { return r != RoleProperty }

type Column struct {
	Name       string
	Target     string
	Type       mapping.ValueType
	Transforms []string
	Role       Role
}

// Rule is the column plan of one mapping rule as the sanitizer sees it.
type Rule struct {
	Name    string
	File    string
	Columns []Column
}

func ForNode(n mapping.NodeRule) Rule {
	cols := []Column{{Name: n.KeyColumn, Target: n.KeyProperty, Type: n.KeyType, Transforms: n.Transform, Role: RoleNodeKey}}
	for _, p := range n.Properties {
		cols = append(cols, Column{Name: p.Column, Target: p.Target, Type: p.Type, Transforms: p.Transform, Role: RoleProperty})
	}
	return Rule{Name: n.Name, File: n.SourceFile, Columns: cols}
}

// ForRelationship builds the column plan of r. Endpoint keys are typed and transformed like the
// key of the node rule they reference so they compare equal to stored node keys.
func ForRelationship(r mapping.RelRule, from, to mapping.NodeRule) Rule {
	cols := []Column{
		{Name: r.FromKeyColumn, Target: from.KeyProperty, Type: from.KeyType, Transforms: from.Transform, Role: RoleFromKey},
		{Name: r.ToKeyColumn, Target: to.KeyProperty, Type: to.KeyType, Transforms: to.Transform, Role: RoleToKey},
	}
	for _, p := range r.KeyProperties {
		cols = append(cols, Column{Name: p.Column, Target: p.Target, Type: p.Type, Transforms: p.Transform, Role: RoleKeyProperty})
	}
	for _, p := range r.Properties {
		cols = append(cols, Column{Name: p.Column, Target: p.Target, Type: p.Type, Transforms: p.Transform, Role: RoleProperty})
	}
	return Rule{Name: r.Name, File: r.SourceFile, Columns: cols}
}

// Headers lists the distinct columns the rule reads.
func (r Rule) Headers() []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(r.Columns))
	for _, c := range r.Columns {
		if _, ok := seen[c.Name]; ok {
			continue
		}
		seen[c.Name] = struct{}{}
		out = append(out, c.Name)
	}
	return out
}

// MissingHeaders returns the columns of r that header does not contain.
func (r Rule) MissingHeaders(header []string) []string {
	have := make(map[string]struct{}, len(header))
	for _, h := range header {
		have[CleanHeader(h)] = struct{}{}
	}
	var missing []string
	for _, c := range r.Headers() {
		if _, ok := have[c]; !ok {
			missing = append(missing, c)
		}
	}
	return missing
}

type Outcome struct {
	Accepted bool
	Key      any
	From     any
	To       any
	KeyProps map[string]any
	Props    map[string]Value

	Reason ingest.RejectReason
	Column string
	Raw    string
}

type Sanitizer struct {
	Sentinel string
}

func New(sentinel string) *Sanitizer {
	if sentinel == "" {
		sentinel = DefaultSentinel
	}
	return &Sanitizer{Sentinel: sentinel}
}

// Sanitize decides whether row is loadable under rule and returns its typed values.
// Required columns reject the row; optional columns that fail degrade to absent.
func (s *Sanitizer) Sanitize(row Row, rule Rule) Outcome {
	out := Outcome{Accepted: true, Props: make(map[string]Value, len(rule.Columns))}
	for _, c := range rule.Columns {
		raw, ok := row.Fields[c.Name]
		cleaned, isNull := s.Clean(raw, c.Transforms)
		if !ok {
			isNull = true
		}

		if !c.Role.Required() {
			if isNull || (cleaned == "" && c.Type != mapping.TypeString) {
				out.Props[c.Target] = Absent()
				continue
			}
			v, err := Coerce(cleaned, c.Type)
			if err != nil {
				out.Props[c.Target] = Absent()
				continue
			}
			out.Props[c.Target] = Present(v)
			continue
		}

		if isNull || cleaned == "" {
			return reject(ingest.ReasonMissingKey, c.Name, raw)
		}
		v, err := Coerce(cleaned, c.Type)
		if err != nil {
			return reject(ingest.ReasonMalformedType, c.Name, raw)
		}
		switch c.Role {
		case RoleNodeKey:
			out.Key = v
		case RoleFromKey:
			out.From = v
		case RoleToKey:
			out.To = v
		case RoleKeyProperty:
			if out.KeyProps == nil {
				out.KeyProps = map[string]any{}
			}
			out.KeyProps[c.Target] = v
		}
	}
	return out
}

func reject(reason ingest.RejectReason, column, raw string) Outcome {
	return Outcome{Reason: reason, Column: column, Raw: raw}
}

// Clean strips a BOM, trims, and applies transforms. isNull reports the sentinel, checked
// after trimming and before any case transform.
func (s *Sanitizer) Clean(raw string, transforms []string) (string, bool) {
	v := strings.TrimSpace(strings.TrimPrefix(raw, bom))
	if v == s.Sentinel {
		return "", true
	}
	for _, t := range transforms {
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "lower":
			v = strings.ToLower(v)
		case "upper":
			v = strings.ToUpper(v)
		}
	}
	return v, false
}

// CleanHeader normalizes a CSV header cell.
func CleanHeader(h string) string {
	return strings.TrimSpace(strings.TrimPrefix(h, bom))
}

// Coerce parses s as t. Integers store as int64 and floats as float64.
func Coerce(s string, t mapping.ValueType) (any, error) {
	switch t {
	case mapping.TypeString, "":
		return s, nil
	case mapping.TypeInt:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("not an int: %q", s)
		}
		return n, nil
	case mapping.TypeFloat:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("not a float: %q", s)
		}
		return f, nil
	case mapping.TypeBool:
		switch strings.ToLower(s) {
		case "1", "t", "true", "y", "yes":
			return true, nil
		case "0", "f", "false", "n", "no":
			return false, nil
		}
		return nil, fmt.Errorf("not a bool: %q", s)
	default:
		return nil, fmt.Errorf("unknown type %q", t)
	}
}
