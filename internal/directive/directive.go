// Package directive translates the assertion directives embedded as SQL
// comments in a task's DML script into probe queries: SQL statements that
// return rows (or a count) iff the declared data-quality property is
// violated. The directive grammar is intentionally tolerant — case
// insensitive, liberal about whitespace — matching the regex-based parsing
// the rest of the analyzer uses.
package directive

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Kind identifies which of the five recognized directive forms a Probe
// came from.
type Kind string

const (
	KindGranularity         Kind = "granularity"
	KindNotNull             Kind = "not_null"
	KindRelationship        Kind = "relationship"
	KindUpstreamCount       Kind = "upstream_count"
	KindUpstreamGranularity Kind = "upstream_granularity"
)

// Probe is a single compiled assertion: a query to run and the name to
// record in a task's failed_tests list if it fails.
type Probe struct {
	Kind  Kind
	Name  string
	Query string
	// MinCount is only set for KindUpstreamCount; the probe is evaluated by
	// comparing a returned row count against this threshold rather than by
	// row-existence.
	MinCount int
	// MinCountInvalid records that the threshold in the directive text
	// could not be parsed as an integer. Per the original implementation's
	// behavior, this is not fatal: the probe is still returned and is
	// recorded as a failure without its query being run, and parsing
	// continues rather than aborting the task.
	MinCountInvalid bool
}

var (
	granularityRe         = regexp.MustCompile(`(?i)granularity:([\w, ]*)`)
	notNullRe             = regexp.MustCompile(`(?i)not_null:([\w, ]*)`)
	relationshipRe        = regexp.MustCompile(`(?i)relationship:\s*([\w_]+)\s*=\s*([\w_]+)\.([\w_]+)\.([\w_]+)`)
	upstreamCountRe       = regexp.MustCompile(`(?i)upstream_count:\s*([\w_]+)\.([\w_]+)\s+(\w+)(?:\s|\*)`)
	upstreamGranularityRe = regexp.MustCompile(`(?i)upstream_granularity:\s*([\w_]+)\.([\w_]+)\s+([\w, ]*)`)
)

func splitColumns(raw string) []string {
	parts := strings.Split(raw, ",")
	cols := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			cols = append(cols, p)
		}
	}
	return cols
}

// ParseDownstream extracts the granularity, not_null, and relationship
// directives from a task's (already rewritten) DML text — the assertions
// run after the task's DDL/DML has executed. schema/table identify the
// task's own effective (possibly dev-overridden) output table. For
// relationship directives, the referenced table's schema is itself
// overridden to devSchema when it names a managed task id and devSchema is
// non-empty (dev stage).
func ParseDownstream(text, schema, table string, managedIDs map[string]struct{}, devSchema string) []Probe {
	var probes []Probe

	for _, m := range granularityRe.FindAllStringSubmatch(text, -1) {
		cols := splitColumns(m[1])
		if len(cols) == 0 {
			continue
		}
		probes = append(probes, Probe{
			Kind: KindGranularity,
			Name: fmt.Sprintf("granularity_(%s)", strings.Join(cols, ",")),
			Query: fmt.Sprintf(
				"SELECT %s\nFROM %q.%q\nGROUP BY %s\nHAVING count(1) > 1\nLIMIT 1;",
				strings.Join(cols, ","), schema, table, strings.Join(cols, ","),
			),
		})
	}

	for _, m := range notNullRe.FindAllStringSubmatch(text, -1) {
		cols := splitColumns(m[1])
		if len(cols) == 0 {
			continue
		}
		var clauses []string
		for _, c := range cols {
			clauses = append(clauses, fmt.Sprintf("%s IS NULL ", c))
		}
		probes = append(probes, Probe{
			Kind: KindNotNull,
			Name: fmt.Sprintf("not-null_(%s)", strings.Join(cols, ",")),
			Query: fmt.Sprintf(
				"SELECT 1\nFROM %q.%q\nWHERE\n%s\nLIMIT 1;",
				schema, table, strings.Join(clauses, "AND "),
			),
		})
	}

	for _, m := range relationshipRe.FindAllStringSubmatch(text, -1) {
		column, rSchema, rTable, rColumn := m[1], m[2], m[3], m[4]
		queryTable := rSchema
		if devSchema != "" {
			if _, managed := managedIDs[strings.ToLower(rSchema)+"."+strings.ToLower(rTable)]; managed {
				queryTable = devSchema
			}
		}
		probes = append(probes, Probe{
			Kind: KindRelationship,
			// Named from the raw directive text, not the dev-overridden
			// schema, matching the original's failed-test naming.
			Name: fmt.Sprintf("relationship_(%s=%s.%s.%s)", column, rSchema, rTable, rColumn),
			Query: fmt.Sprintf(
				"SELECT 1\nFROM %q.%q AS a\nLEFT JOIN %q.%q AS b ON a.%q = b.%q\nWHERE b.%q IS NULL\nLIMIT 1;",
				schema, table, queryTable, rTable, column, rColumn, rColumn,
			),
		})
	}

	return probes
}

// ParseUpstream extracts the upstream_count and upstream_granularity
// directives — checked before the task's DDL/DML runs.
func ParseUpstream(text string) []Probe {
	var probes []Probe

	for _, m := range upstreamCountRe.FindAllStringSubmatch(text, -1) {
		schema, table, rawMin := m[1], m[2], m[3]
		p := Probe{
			Kind: KindUpstreamCount,
			Name: fmt.Sprintf("upstream_count_(%s.%s)", schema, table),
			Query: fmt.Sprintf(
				"SELECT count(1) FROM %q.%q;", schema, table,
			),
		}
		min, err := strconv.Atoi(rawMin)
		if err != nil {
			p.MinCountInvalid = true
		} else {
			p.MinCount = min
		}
		probes = append(probes, p)
	}

	for _, m := range upstreamGranularityRe.FindAllStringSubmatch(text, -1) {
		schema, table := m[1], m[2]
		cols := splitColumns(m[3])
		if len(cols) == 0 {
			continue
		}
		probes = append(probes, Probe{
			Kind: KindUpstreamGranularity,
			Name: fmt.Sprintf("upstream_granularity_(%s.%s,%s)", schema, table, strings.Join(cols, ",")),
			Query: fmt.Sprintf(
				"SELECT %s\nFROM %q.%q\nGROUP BY %s\nHAVING count(1) > 1\nLIMIT 1;",
				strings.Join(cols, ","), schema, table, strings.Join(cols, ","),
			),
		})
	}

	return probes
}
