// Copyright 2026 The Qserv-sub001 Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// NaiveParser is a stand-in for the real SQL grammar, which spec.md §1
// explicitly puts out of scope ("the SQL grammar and AST node definitions
// themselves"). Analyze takes an already-parsed ParsedSelect; production
// deployments plug in a real parser (e.g. the teacher's own
// pkg/parser/pkg/ast) ahead of it. This regex-based reader only has to
// cover the single- and two-table SELECT shapes spec.md's own examples use
// (box/circle restrictors, one equi-join), grounded on the same
// regexp-table idiom as pkg/czar/dispatch/recognizer.go.
package analyzer

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/hellebore74/qserv-sub001/pkg/qerror"
)

var reSelect = regexp.MustCompile(`(?is)^\s*SELECT\s+(.+?)\s+FROM\s+(.+?)` +
	`(?:\s+WHERE\s+(.+?))?(?:\s+GROUP\s+BY\s+(.+?))?(?:\s+ORDER\s+BY\s+(.+?))?` +
	`(?:\s+LIMIT\s+(.+?))?;?\s*$`)

var reJoin = regexp.MustCompile(`(?is)^(.+?)\s+(?:INNER\s+|LEFT\s+OUTER\s+|LEFT\s+)?JOIN\s+(.+?)\s+ON\s+(.+)$`)

var reTableRef = regexp.MustCompile(`(?i)^([A-Za-z_][A-Za-z0-9_]*)\.([A-Za-z_][A-Za-z0-9_]*)(?:\s+(?:AS\s+)?([A-Za-z_][A-Za-z0-9_]*))?$`)

var reEquality = regexp.MustCompile(`(?i)^\s*([A-Za-z_][A-Za-z0-9_]*)\.([A-Za-z_][A-Za-z0-9_]*)\s*=\s*([A-Za-z_][A-Za-z0-9_]*)\.([A-Za-z_][A-Za-z0-9_]*)\s*$`)

var reRestrictor = regexp.MustCompile(`(?i)qserv_areaspec_(box|circle|ellipse|poly)\s*\(([^)]*)\)`)

var restrictorKinds = map[string]RestrictorKind{
	"box":     RestrictorBox,
	"circle":  RestrictorCircle,
	"ellipse": RestrictorEllipse,
	"poly":    RestrictorPoly,
}

var reAggregate = regexp.MustCompile(`(?i)\b(COUNT|SUM|AVG|MIN|MAX)\s*\(`)

// NaiveParser implements dispatch.Parser against the regex grammar above.
type NaiveParser struct{}

// Parse implements the Parser interface consumed by pkg/czar/dispatch's
// C10 lifecycle.
func (NaiveParser) Parse(sql string) (ParsedSelect, error) {
	m := reSelect.FindStringSubmatch(strings.TrimSpace(sql))
	if m == nil {
		return ParsedSelect{}, qerror.New(qerror.KindPlanError, 2100, "does not match a recognized SELECT shape")
	}
	selectList, fromClause, where, groupBy, orderBy, limit := m[1], m[2], m[3], m[4], m[5], m[6]

	tables, preds, err := parseFrom(fromClause)
	if err != nil {
		return ParsedSelect{}, err
	}

	restrictors, remainder := extractRestrictors(where)
	remainder, wherePreds := extractEqualityPredicates(remainder)
	preds = append(preds, wherePreds...)

	return ParsedSelect{
		Tables:          tables,
		JoinPredicates:  preds,
		AreaRestrictors: restrictors,
		SelectListSQL:   strings.TrimSpace(selectList),
		FromSQL:         strings.TrimSpace(fromClause),
		WhereSQL:        strings.TrimSpace(remainder),
		OrderBySQL:      strings.TrimSpace(orderBy),
		GroupBySQL:      strings.TrimSpace(groupBy),
		LimitSQL:        strings.TrimSpace(limit),
		HasDistinct:     strings.HasPrefix(strings.ToUpper(strings.TrimSpace(selectList)), "DISTINCT "),
		HasAggregate:    reAggregate.MatchString(selectList) || groupBy != "",
	}, nil
}

func parseFrom(from string) ([]TableRef, []JoinPredicate, error) {
	from = strings.TrimSpace(from)
	if jm := reJoin.FindStringSubmatch(from); jm != nil {
		left, err := parseTableRef(jm[1])
		if err != nil {
			return nil, nil, err
		}
		right, err := parseTableRef(jm[2])
		if err != nil {
			return nil, nil, err
		}
		pred, err := parseEquality(jm[3], false)
		if err != nil {
			return nil, nil, err
		}
		return []TableRef{left, right}, []JoinPredicate{pred}, nil
	}
	ref, err := parseTableRef(from)
	if err != nil {
		return nil, nil, err
	}
	return []TableRef{ref}, nil, nil
}

func parseTableRef(s string) (TableRef, error) {
	m := reTableRef.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return TableRef{}, qerror.New(qerror.KindPlanError, 2101, "expected db.table[ alias], got "+s)
	}
	return TableRef{Database: m[1], Table: m[2], Alias: m[3]}, nil
}

func parseEquality(s string, inOuterJoinOn bool) (JoinPredicate, error) {
	m := reEquality.FindStringSubmatch(s)
	if m == nil {
		return JoinPredicate{}, qerror.New(qerror.KindPlanError, 2102, "expected an a.col=b.col equality, got "+s)
	}
	return JoinPredicate{
		LeftRef: m[1], LeftColumn: m[2],
		RightRef: m[3], RightColumn: m[4],
		InOuterJoinOn: inOuterJoinOn,
	}, nil
}

// extractRestrictors pulls every qserv_areaspec_*(...) call out of the
// WHERE clause, per spec §4.1 step 3, returning the restrictors found and
// the WHERE text with them (and a trailing " AND "/leading " AND ") removed.
func extractRestrictors(where string) ([]AreaRestrictor, string) {
	if where == "" {
		return nil, ""
	}
	var out []AreaRestrictor
	remainder := reRestrictor.ReplaceAllStringFunc(where, func(call string) string {
		m := reRestrictor.FindStringSubmatch(call)
		args := parseFloatArgs(m[2])
		out = append(out, AreaRestrictor{Kind: restrictorKinds[strings.ToLower(m[1])], Args: args})
		return ""
	})
	return out, cleanupAnd(remainder)
}

// extractEqualityPredicates pulls simple a.col=b.col predicates (outside of
// an explicit JOIN ... ON) from the WHERE clause, leaving non-join
// conditions in place.
func extractEqualityPredicates(where string) (string, []JoinPredicate) {
	if where == "" {
		return "", nil
	}
	var preds []JoinPredicate
	parts := strings.Split(where, " AND ")
	var kept []string
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed == "" {
			continue
		}
		if jp, err := parseEquality(trimmed, false); err == nil {
			preds = append(preds, jp)
			continue
		}
		kept = append(kept, trimmed)
	}
	return strings.Join(kept, " AND "), preds
}

func cleanupAnd(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "AND ")
	s = strings.TrimSuffix(s, " AND")
	s = strings.ReplaceAll(s, "  ", " ")
	return strings.TrimSpace(s)
}

func parseFloatArgs(raw string) []float64 {
	parts := strings.Split(raw, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			continue
		}
		out = append(out, f)
	}
	return out
}
