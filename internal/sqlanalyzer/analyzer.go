// Package sqlanalyzer implements the scheduler's text-level SQL analysis:
// comment stripping, dependency extraction, the incremental marker check,
// and dev-stage identifier rewriting. None of it establishes a database
// connection or parses SQL into an AST — it is deliberately conservative
// regex matching over raw script text, tolerant of any dialect feature
// between the constructs it recognizes.
package sqlanalyzer

import (
	"regexp"
	"strings"
)

// IncrementalMarker is the leading comment that marks a DML script as
// incremental (re-executed in place rather than recreated from scratch).
const IncrementalMarker = "--sql-scheduler-incremental"

var multilineCommentRe = regexp.MustCompile(`(?s)/\*.*?\*/`)

// StripComments removes /* ... */ block comments and -- line comments from
// text. Block comments are removed first. A "--" immediately preceded by a
// single quote on the same line is treated as part of a string literal and
// left alone; scanning continues past it for a later, genuine comment
// marker on the same line. This is a known, crude heuristic — it does not
// understand escaped quotes inside string literals.
func StripComments(text string) string {
	text = multilineCommentRe.ReplaceAllString(text, "")
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if idx := lineCommentStart(line); idx >= 0 {
			lines[i] = line[:idx]
		}
	}
	return strings.Join(lines, "\n")
}

func lineCommentStart(line string) int {
	for i := 0; i+1 < len(line); i++ {
		if line[i] != '-' || line[i+1] != '-' {
			continue
		}
		if i > 0 && line[i-1] == '\'' {
			continue
		}
		return i
	}
	return -1
}

// fromJoinRe matches `FROM`/`JOIN` (optionally immediately preceded by
// `DELETE`) followed by a two-part, optionally double-quoted identifier.
// Group 1 captures the keyword phrase so callers can tell a DELETE FROM
// apart from a plain FROM/JOIN.
var fromJoinRe = regexp.MustCompile(`(?is)\b(delete\s+from|from|join)\s+"?(\w+)"?\s*\.\s*"?(\w+)"?`)

// ExtractDependencies returns the set of lowercase "schema.table" identifiers
// referenced by FROM or JOIN clauses in text, excluding DELETE FROM targets.
// Comments are stripped before matching.
func ExtractDependencies(text string) map[string]struct{} {
	stripped := StripComments(text)
	deps := make(map[string]struct{})
	for _, m := range fromJoinRe.FindAllStringSubmatch(stripped, -1) {
		keyword := strings.ToLower(strings.Join(strings.Fields(m[1]), " "))
		if strings.HasPrefix(keyword, "delete") {
			continue
		}
		schema, table := strings.ToLower(m[2]), strings.ToLower(m[3])
		deps[schema+"."+table] = struct{}{}
	}
	return deps
}

// IsIncremental reports whether the raw, un-stripped text begins with the
// incremental marker, ignoring leading whitespace and comment-marker case.
func IsIncremental(text string) bool {
	trimmed := strings.TrimLeft(text, " \t\r\n")
	return len(trimmed) >= len(IncrementalMarker) &&
		strings.EqualFold(trimmed[:len(IncrementalMarker)], IncrementalMarker)
}

var (
	createTableRe = regexp.MustCompile(`(?i)(create\s+table\s+(?:if\s+not\s+exists\s+)?)"?(\w+)"?\s*\.\s*"?(\w+)"?`)
	dropTableRe   = regexp.MustCompile(`(?i)(drop\s+table\s+(?:if\s+exists\s+)?)"?(\w+)"?\s*\.\s*"?(\w+)"?`)
	deleteFromRe  = regexp.MustCompile(`(?i)(delete\s+from\s+)"?(\w+)"?\s*\.\s*"?(\w+)"?`)
	insertIntoRe  = regexp.MustCompile(`(?i)(insert\s+into\s+)"?(\w+)"?\s*\.\s*"?(\w+)"?`)
	updateRe      = regexp.MustCompile(`(?i)(update\s+)"?(\w+)"?\s*\.\s*"?(\w+)"?`)
)

// RewriteForDev rewrites schema-qualified identifiers in text to target the
// dev-stage overlay schema devSchema. Six construct families are rewritten,
// in this fixed order:
//
//  1. CREATE TABLE [IF NOT EXISTS] schema.table — unconditional.
//  2. DROP TABLE [IF EXISTS] schema.table — unconditional.
//  3. FROM/JOIN schema.table — only when schema.table (lowercased,
//     unquoted) is a member of managedIDs.
//  4. DELETE FROM schema.table — unconditional.
//  5. INSERT INTO schema.table — unconditional.
//  6. UPDATE schema.table — unconditional.
//
// Quoted identifiers are recognized and unquoted in the rewritten form.
func RewriteForDev(text string, managedIDs map[string]struct{}, devSchema string) string {
	text = rewriteUnconditional(text, createTableRe, devSchema)
	text = rewriteUnconditional(text, dropTableRe, devSchema)
	text = rewriteFromJoin(text, managedIDs, devSchema)
	text = rewriteUnconditional(text, deleteFromRe, devSchema)
	text = rewriteUnconditional(text, insertIntoRe, devSchema)
	text = rewriteUnconditional(text, updateRe, devSchema)
	return text
}

func rewriteUnconditional(text string, re *regexp.Regexp, devSchema string) string {
	return re.ReplaceAllStringFunc(text, func(match string) string {
		sub := re.FindStringSubmatch(match)
		table := sub[3]
		return sub[1] + devSchema + "." + table
	})
}

func rewriteFromJoin(text string, managedIDs map[string]struct{}, devSchema string) string {
	return fromJoinRe.ReplaceAllStringFunc(text, func(match string) string {
		sub := fromJoinRe.FindStringSubmatch(match)
		keyword, schema, table := sub[1], sub[2], sub[3]
		id := strings.ToLower(schema) + "." + strings.ToLower(table)
		if _, ok := managedIDs[id]; !ok {
			return match
		}
		return keyword + " " + devSchema + "." + table
	})
}
