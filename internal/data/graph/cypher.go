package graph

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/yungbote/graphstage/internal/mapping"
)

// quote backtick-escapes a label, type or property name for Cypher.
func quote(ident string) string {
	return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
}

func nodeUpsertCypher(label, keyProperty string) string {
	return fmt.Sprintf(`
UNWIND $rows AS row
MERGE (n:%s {%s: row.key})
SET n += row.props
SET n += $stamp
RETURN count(n) AS loaded
`, quote(label), quote(keyProperty))
}

func relDanglingCypher(b RelBatch) string {
	return fmt.Sprintf(`
UNWIND $rows AS row
OPTIONAL MATCH (a:%s {%s: row.from})
OPTIONAL MATCH (b:%s {%s: row.to})
WITH row, a, b
WHERE a IS NULL OR b IS NULL
RETURN collect(DISTINCT row.line) AS dangling
`, quote(b.FromLabel), quote(b.FromKeyProperty), quote(b.ToLabel), quote(b.ToKeyProperty))
}

func relUpsertCypher(b RelBatch) string {
	pattern := ""
	if len(b.KeyProperties) > 0 {
		parts := make([]string, 0, len(b.KeyProperties))
		for _, k := range b.KeyProperties {
			parts = append(parts, fmt.Sprintf("%s: row.keys.%s", quote(k), quote(k)))
		}
		pattern = " {" + strings.Join(parts, ", ") + "}"
	}
	return fmt.Sprintf(`
UNWIND $rows AS row
MATCH (a:%s {%s: row.from})
MATCH (b:%s {%s: row.to})
MERGE (a)-[r:%s%s]->(b)
SET r += row.props
SET r += $stamp
RETURN count(r) AS loaded
`, quote(b.FromLabel), quote(b.FromKeyProperty), quote(b.ToLabel), quote(b.ToKeyProperty), quote(b.Type), pattern)
}

func promoteCypher(p Promotion) string {
	return fmt.Sprintf(`
MATCH (a)-[g:%s]->(b)
WHERE g.%s = $value
MERGE (a)-[p:%s]->(b)
SET p += $stamp, p.derived_from = $generic
RETURN count(DISTINCT p) AS promoted
`, quote(p.GenericType), quote(p.Property), quote(p.PromotedType))
}

func countNodesCypher(label string) string {
	return fmt.Sprintf(`MATCH (n:%s) RETURN count(n) AS n`, quote(label))
}

func countEdgesCypher(relType string) string {
	return fmt.Sprintf(`MATCH ()-[r:%s]->() RETURN count(r) AS n`, quote(relType))
}

func countMissingCypher(target string, onRelationship bool, property string) string {
	if onRelationship {
		return fmt.Sprintf(`MATCH ()-[r:%s]->() WHERE r.%s IS NULL RETURN count(r) AS n`, quote(target), quote(property))
	}
	return fmt.Sprintf(`MATCH (n:%s) WHERE n.%s IS NULL RETURN count(n) AS n`, quote(target), quote(property))
}

func sampleMissingCypher(relType, property string) string {
	return fmt.Sprintf(`
MATCH (a)-[r:%s]->(b)
WHERE r.%s IS NULL
RETURN elementId(a) AS from, elementId(b) AS to, properties(r) AS props
LIMIT $limit
`, quote(relType), quote(property))
}

func deleteMissingCypher(relType, property string) string {
	return fmt.Sprintf(`
MATCH ()-[r:%s]->()
WHERE r.%s IS NULL
WITH r LIMIT $chunk
DELETE r
RETURN count(*) AS deleted
`, quote(relType), quote(property))
}

var nonIdent = regexp.MustCompile(`[^a-z0-9]+`)

func indexName(spec mapping.IndexSpec) string {
	target := spec.Label
	if spec.Kind == mapping.IndexRel {
		target = spec.Type
	}
	raw := strings.ToLower(string(spec.Kind) + "_" + target + "_" + strings.Join(spec.Properties, "_"))
	return strings.Trim(nonIdent.ReplaceAllString(raw, "_"), "_")
}

// indexDDL renders the idempotent CREATE statement for spec. Unique node indexes become
// uniqueness constraints.
func indexDDL(spec mapping.IndexSpec) (string, error) {
	if len(spec.Properties) == 0 {
		return "", fmt.Errorf("index %s: no properties", spec.Kind)
	}
	props := func(v string) string {
		parts := make([]string, 0, len(spec.Properties))
		for _, p := range spec.Properties {
			parts = append(parts, v+"."+quote(p))
		}
		return strings.Join(parts, ", ")
	}
	name := quote(indexName(spec))
	switch {
	case spec.Kind == mapping.IndexConstraint || (spec.Kind == mapping.IndexNode && spec.Unique):
		return fmt.Sprintf("CREATE CONSTRAINT %s IF NOT EXISTS FOR (n:%s) REQUIRE (%s) IS UNIQUE", name, quote(spec.Label), props("n")), nil
	case spec.Kind == mapping.IndexNode:
		return fmt.Sprintf("CREATE INDEX %s IF NOT EXISTS FOR (n:%s) ON (%s)", name, quote(spec.Label), props("n")), nil
	case spec.Kind == mapping.IndexRel:
		return fmt.Sprintf("CREATE INDEX %s IF NOT EXISTS FOR ()-[r:%s]-() ON (%s)", name, quote(spec.Type), props("r")), nil
	default:
		return "", fmt.Errorf("unknown index kind %q", spec.Kind)
	}
}
