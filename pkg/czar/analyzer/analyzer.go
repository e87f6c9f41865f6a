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

// Package analyzer implements C2, the query analyzer: it rewrites a parsed
// SELECT against the partitioning catalog (C1) into a ChunkQueryTemplate
// plus a MergeStatement, per spec §4.1. The SQL grammar/AST itself is out
// of scope (spec §1); callers hand in an already-parsed ParsedSelect. The
// admissibility matrix and template-rewriting rules are grounded on
// original_source/master/src/SphericalBoxStrategy.cc and
// original_source/core/modules/qana/TableInfo.cc; area-restrictor handling
// is grounded on original_source/core/modules/query/AreaRestrictor.cc.
package analyzer

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/pingcap/errors"

	"github.com/hellebore74/qserv-sub001/pkg/czar/catalog"
	"github.com/hellebore74/qserv-sub001/pkg/qerror"
	"github.com/hellebore74/qserv-sub001/pkg/wire"
)

// TableRef is one FROM-list table reference, alias included.
type TableRef struct {
	Database string
	Table    string
	Alias    string
}

func (t TableRef) ref() string {
	if t.Alias != "" {
		return t.Alias
	}
	return t.Table
}

// JoinPredicate is one equality join predicate over two (possibly aliased)
// table/column pairs, extracted from the WHERE or ON clause.
type JoinPredicate struct {
	LeftRef, LeftColumn   string
	RightRef, RightColumn string
	InOuterJoinOn         bool
}

// RestrictorKind enumerates the area-restrictor functions recognized in the
// WHERE clause (spec §4.1 step 3 / original AreaRestrictor.cc).
type RestrictorKind int

const (
	RestrictorBox RestrictorKind = iota
	RestrictorCircle
	RestrictorEllipse
	RestrictorPoly
)

// argCounts gives the expected argument count per restrictor kind; poly
// takes a variable, even number of coordinates (>= 6, i.e. >= 3 vertices).
var argCounts = map[RestrictorKind]int{
	RestrictorBox:     4,
	RestrictorCircle:  3,
	RestrictorEllipse: 5,
}

// AreaRestrictor is one qserv_areaspec_* call recognized in the WHERE clause.
type AreaRestrictor struct {
	Kind RestrictorKind
	Args []float64
}

// Validate checks the restrictor's argument count per spec §4.1 step 3.
func (r AreaRestrictor) Validate() error {
	if r.Kind == RestrictorPoly {
		if len(r.Args) < 6 || len(r.Args)%2 != 0 {
			return qerror.New(qerror.KindPlanError, 2001, "qserv_areaspec_poly requires an even number >= 6 of arguments")
		}
		return nil
	}
	want, ok := argCounts[r.Kind]
	if !ok || len(r.Args) != want {
		return qerror.New(qerror.KindPlanError, 2002, fmt.Sprintf("malformed area restrictor: expected %d arguments", want))
	}
	return nil
}

// scisqlCall renders the worker-side predicate for a restrictor against a
// director's (lon, lat) columns.
func (r AreaRestrictor) scisqlCall(lon, lat string) string {
	argStrs := make([]string, len(r.Args))
	for i, a := range r.Args {
		argStrs[i] = trimFloat(a)
	}
	args := strings.Join(argStrs, ",")
	switch r.Kind {
	case RestrictorCircle:
		return fmt.Sprintf("scisql_s2PtInCircle(%s,%s,%s)=1", lon, lat, args)
	case RestrictorEllipse:
		return fmt.Sprintf("scisql_s2PtInEllipse(%s,%s,%s)=1", lon, lat, args)
	case RestrictorPoly:
		return fmt.Sprintf("scisql_s2PtInCPoly(%s,%s,%s)=1", lon, lat, args)
	default:
		return fmt.Sprintf("scisql_s2PtInBox(%s,%s,%s)=1", lon, lat, args)
	}
}

func trimFloat(f float64) string {
	s := fmt.Sprintf("%g", f)
	return s
}

// ParsedSelect is the already-parsed input to Analyze; AST/grammar concerns
// are out of scope (spec §1).
type ParsedSelect struct {
	Tables          []TableRef
	JoinPredicates  []JoinPredicate
	AreaRestrictors []AreaRestrictor

	SelectListSQL string // e.g. "o.id, s.flux"
	FromSQL       string // e.g. "Object o JOIN Source s ON o.id=s.objectId"
	WhereSQL      string // WHERE clause with restrictor calls already stripped
	OrderBySQL    string
	GroupBySQL    string
	LimitSQL      string
	HasDistinct   bool
	HasAggregate  bool
}

// MergeStatement is the SQL run once all Jobs for a UserQuery have merged
// their blobs (spec §4.1 step 5).
type MergeStatement struct {
	SQL string
}

// Result is C2's output: a ChunkQueryTemplate, MergeStatement and
// ChunkingPlan (spec §4.1).
type Result struct {
	Template     QueryTemplate
	Merge        MergeStatement
	Plan         ChunkingPlan
	Restrictors  []AreaRestrictor
	DirectorDb   string // the director table's database, for chunk enumeration
	// ScanTables is C6's ScanInfo input: every partitioned table touched by
	// the query plus its scan rating (spec §3 ScanInfo), used by the
	// dispatcher to route each Job to C7 (interactive) or C8 (scan).
	ScanTables []wire.ScanTableInfo
}

type resolvedTable struct {
	ref        TableRef
	descriptor catalog.TableDescriptor
	chunkLevel int
}

// Analyze performs the five-step analysis from spec §4.1: table resolution,
// admissibility checking, area-restrictor recognition, template rewriting,
// and merge synthesis.
func Analyze(p ParsedSelect, cat *catalog.Catalog) (*Result, error) {
	if len(p.Tables) == 0 {
		return nil, qerror.New(qerror.KindPlanError, 2000, "no tables in FROM list")
	}

	resolved, err := resolveTables(p.Tables, cat)
	if err != nil {
		return nil, errors.Trace(err)
	}

	if err := checkAdmissibility(p.JoinPredicates, resolved); err != nil {
		return nil, errors.Trace(err)
	}

	for _, r := range p.AreaRestrictors {
		if err := r.Validate(); err != nil {
			return nil, errors.Trace(err)
		}
	}

	plan, director := classifyPlan(resolved)

	rewrittenFrom, err := rewriteTemplate(p.FromSQL, resolved, plan)
	if err != nil {
		return nil, errors.Trace(err)
	}

	where := p.WhereSQL
	if len(p.AreaRestrictors) > 0 && director != nil {
		predicates := make([]string, 0, len(p.AreaRestrictors))
		for _, r := range p.AreaRestrictors {
			predicates = append(predicates, r.scisqlCall(director.descriptor.LonColumn, director.descriptor.LatColumn))
		}
		joined := strings.Join(predicates, " AND ")
		if where != "" {
			where = where + " AND " + joined
		} else {
			where = joined
		}
	}

	agg := rewriteAggregates(p.SelectListSQL)

	tmplText := buildSelectText(agg.chunkSelectList, rewrittenFrom.base, where, p.GroupBySQL, p.LimitSQL, p.HasDistinct)
	overlapText := ""
	if plan == PlanChunkAndSubChunk && rewrittenFrom.overlap != "" {
		overlapWhere := where
		overlapText = buildSelectText(agg.chunkSelectList, rewrittenFrom.overlap, overlapWhere, p.GroupBySQL, p.LimitSQL, p.HasDistinct)
	}

	merge := synthesizeMerge(p, agg.mergeSelectList)

	directorDb := ""
	if director != nil {
		directorDb = director.descriptor.Database
	} else if len(resolved) > 0 {
		directorDb = resolved[0].descriptor.Database
	}

	return &Result{
		Template:    QueryTemplate{Text: tmplText, OverlapText: overlapText},
		Merge:       merge,
		Plan:        plan,
		Restrictors: p.AreaRestrictors,
		DirectorDb:  directorDb,
		ScanTables:  scanTablesFor(resolved),
	}, nil
}

// scanTablesFor derives C6's ScanInfo input from the resolved FROM list:
// every partitioned table contributes a rating, director/child tables rated
// MEDIUM and match tables (heavier due to the double join) rated SLOW.
// Unpartitioned tables never scan a chunk directory and are excluded.
func scanTablesFor(resolved []resolvedTable) []wire.ScanTableInfo {
	out := make([]wire.ScanTableInfo, 0, len(resolved))
	for _, t := range resolved {
		if t.descriptor.Kind == catalog.Unpartitioned {
			continue
		}
		rating := wire.RatingMedium
		if t.descriptor.Kind == catalog.Match {
			rating = wire.RatingSlow
		}
		out = append(out, wire.ScanTableInfo{
			Db:         t.descriptor.Database,
			Table:      t.descriptor.Name,
			ScanRating: rating,
		})
	}
	return out
}

func resolveTables(refs []TableRef, cat *catalog.Catalog) ([]resolvedTable, error) {
	out := make([]resolvedTable, 0, len(refs))
	for _, ref := range refs {
		td, err := cat.Lookup(ref.Database, ref.Table)
		if err != nil {
			return nil, errors.Trace(err)
		}
		out = append(out, resolvedTable{ref: ref, descriptor: td})
	}
	assignChunkLevels(out)
	return out, nil
}

// assignChunkLevels implements spec §4.1 step 1: 0 = unpartitioned,
// 1 = partitioned but self-contained per chunk, 2 = subchunked (more than
// one partitioned table in the FROM list).
func assignChunkLevels(tables []resolvedTable) {
	partitionedCount := 0
	for _, t := range tables {
		if t.descriptor.Kind != catalog.Unpartitioned {
			partitionedCount++
		}
	}
	for i := range tables {
		switch tables[i].descriptor.Kind {
		case catalog.Unpartitioned:
			tables[i].chunkLevel = 0
		default:
			if partitionedCount > 1 {
				tables[i].chunkLevel = 2
			} else {
				tables[i].chunkLevel = 1
			}
		}
	}
}

func findResolved(tables []resolvedTable, ref string) *resolvedTable {
	for i := range tables {
		if tables[i].ref.ref() == ref {
			return &tables[i]
		}
	}
	return nil
}

// checkAdmissibility implements spec §4.1 step 2's admissibility matrix.
func checkAdmissibility(preds []JoinPredicate, tables []resolvedTable) error {
	for _, jp := range preds {
		left := findResolved(tables, jp.LeftRef)
		right := findResolved(tables, jp.RightRef)
		if left == nil || right == nil {
			continue // non-partitioned-table join, nothing to admit
		}
		if left.descriptor.Kind == catalog.Unpartitioned || right.descriptor.Kind == catalog.Unpartitioned {
			continue
		}
		if err := admissible(*left, *right, jp); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

func admissible(left, right resolvedTable, jp JoinPredicate) error {
	lk, rk := left.descriptor.Kind, right.descriptor.Kind

	switch {
	case lk == catalog.Director && rk == catalog.Director:
		// director<->director: only a self-join, both sides referencing the PK.
		if left.descriptor.Database+"."+left.descriptor.Name != right.descriptor.Database+"."+right.descriptor.Name {
			return qerror.New(qerror.KindPlanError, 2010, "director-director join must be a self-join")
		}
		if jp.LeftColumn != left.descriptor.PrimaryKey || jp.RightColumn != right.descriptor.PrimaryKey {
			return qerror.New(qerror.KindPlanError, 2011, "director-director join must equate primary keys")
		}
		return nil

	case lk == catalog.Director && rk == catalog.Child:
		return admissibleDirectorChild(left, right, jp, false)
	case lk == catalog.Child && rk == catalog.Director:
		return admissibleDirectorChild(right, left, swapPred(jp), false)

	case lk == catalog.Child && rk == catalog.Child:
		if left.descriptor.DirectorTable != right.descriptor.DirectorTable {
			return qerror.New(qerror.KindPlanError, 2012, "child-child join requires an identical director")
		}
		if jp.LeftColumn != left.descriptor.ForeignKey || jp.RightColumn != right.descriptor.ForeignKey {
			return qerror.New(qerror.KindPlanError, 2013, "child-child join must equate foreign keys")
		}
		return nil

	case lk == catalog.Match || rk == catalog.Match:
		if jp.InOuterJoinOn {
			return qerror.New(qerror.KindPlanError, 2014, "match-table predicate is never admissible inside an outer-join ON clause")
		}
		return admissibleMatch(left, right)

	default:
		return qerror.New(qerror.KindUnsupported, 2015, fmt.Sprintf("unsupported join between %s and %s", lk, rk))
	}
}

func swapPred(jp JoinPredicate) JoinPredicate {
	return JoinPredicate{
		LeftRef: jp.RightRef, LeftColumn: jp.RightColumn,
		RightRef: jp.LeftRef, RightColumn: jp.LeftColumn,
		InOuterJoinOn: jp.InOuterJoinOn,
	}
}

func admissibleDirectorChild(director, child resolvedTable, jp JoinPredicate, _ bool) error {
	want := director.descriptor.Database + "." + director.descriptor.Name
	if child.descriptor.DirectorTable != want {
		return qerror.New(qerror.KindPlanError, 2020, "director-child join must reference the child's own director")
	}
	if jp.LeftColumn != director.descriptor.PrimaryKey {
		return qerror.New(qerror.KindPlanError, 2021, "director side of a director-child join must be the primary key")
	}
	if jp.RightColumn != child.descriptor.ForeignKey {
		return qerror.New(qerror.KindPlanError, 2022, "child side of a director-child join must be the foreign key")
	}
	return nil
}

// admissibleMatch implements the director/child <-> match rule: the match
// table's (director_i, fk_i) pair must identify the partner. Per the spec's
// own Open Question, a match self-join (both directors equal) is rejected
// rather than guessed at.
func admissibleMatch(left, right resolvedTable) error {
	var match, other resolvedTable
	if left.descriptor.Kind == catalog.Match {
		match, other = left, right
	} else {
		match, other = right, left
	}
	d1 := match.descriptor.Director1
	d2 := match.descriptor.Director2
	if d1 == d2 {
		return qerror.New(qerror.KindPlanError, 2030, "match self-join (both directors equal) is not admissible")
	}
	otherName := other.descriptor.Database + "." + other.descriptor.Name
	if otherName != d1 && otherName != d2 {
		if other.descriptor.Kind == catalog.Child && (other.descriptor.DirectorTable == d1 || other.descriptor.DirectorTable == d2) {
			return nil
		}
		return qerror.New(qerror.KindPlanError, 2031, "match table does not identify its partner")
	}
	return nil
}

// classifyPlan derives the overall ChunkingPlan and, if one exists, the
// "larger" (director) side that should receive the FullOverlap variant
// (spec §4.1 step 4 / E3).
func classifyPlan(tables []resolvedTable) (ChunkingPlan, *resolvedTable) {
	maxLevel := 0
	var director *resolvedTable
	for i := range tables {
		if tables[i].chunkLevel > maxLevel {
			maxLevel = tables[i].chunkLevel
		}
		if tables[i].descriptor.Kind == catalog.Director {
			d := tables[i]
			director = &d
		}
	}
	switch maxLevel {
	case 0:
		return PlanNone, nil
	case 1:
		return PlanChunkOnly, director
	default:
		return PlanChunkAndSubChunk, director
	}
}

type rewritten struct {
	base    string
	overlap string
}

// rewriteTemplate implements spec §4.1 step 4: replace table names by
// templated forms. "Single subchunk table degrades to chunkLevel 1 form"
// when only one partitioned table is subchunk-eligible.
func rewriteTemplate(fromSQL string, tables []resolvedTable, plan ChunkingPlan) (rewritten, error) {
	base := fromSQL
	overlap := fromSQL
	subchunkedCount := 0
	for _, t := range tables {
		if t.chunkLevel == 2 {
			subchunkedCount++
		}
	}
	for _, t := range tables {
		full := t.descriptor.Database + "." + t.descriptor.Name
		var repl, replOverlap string
		switch t.chunkLevel {
		case 0:
			continue
		case 1:
			repl = chunkTableName(t.descriptor.Database, t.descriptor.Name)
			replOverlap = repl
		case 2:
			if subchunkedCount <= 1 {
				// single subchunk table degrades to chunkLevel-1 form.
				repl = chunkTableName(t.descriptor.Database, t.descriptor.Name)
				replOverlap = repl
			} else {
				isLarger := t.descriptor.Kind == catalog.Director
				repl = subChunkTableName(t.descriptor.Database, t.descriptor.Name, false)
				if isLarger {
					replOverlap = subChunkTableName(t.descriptor.Database, t.descriptor.Name, true)
				} else {
					replOverlap = repl
				}
			}
		}
		base = replaceTableRef(base, full, t.ref.ref(), repl)
		overlap = replaceTableRef(overlap, full, t.ref.ref(), replOverlap)
	}
	if plan != PlanChunkAndSubChunk {
		overlap = ""
	}
	return rewritten{base: base, overlap: overlap}, nil
}

// replaceTableRef replaces the first textual occurrence of "db.table" (or
// bare "table") in from-clause text with repl, preserving any trailing
// alias.
func replaceTableRef(fromSQL, fullName, _ string, repl string) string {
	if strings.Contains(fromSQL, fullName) {
		return strings.Replace(fromSQL, fullName, repl, 1)
	}
	parts := strings.SplitN(fullName, ".", 2)
	if len(parts) == 2 && strings.Contains(fromSQL, parts[1]) {
		return strings.Replace(fromSQL, parts[1], repl, 1)
	}
	return fromSQL
}

func buildSelectText(selectList, from, where, groupBy, limit string, distinct bool) string {
	var b strings.Builder
	b.WriteString("SELECT ")
	if distinct {
		b.WriteString("DISTINCT ")
	}
	b.WriteString(selectList)
	b.WriteString(" FROM ")
	b.WriteString(from)
	if where != "" {
		b.WriteString(" WHERE ")
		b.WriteString(where)
	}
	if groupBy != "" {
		b.WriteString(" GROUP BY ")
		b.WriteString(groupBy)
	}
	if limit != "" {
		b.WriteString(" LIMIT ")
		b.WriteString(limit)
	}
	return b.String()
}

// synthesizeMerge implements spec §4.1 step 5: ORDER BY/GROUP BY/LIMIT/
// DISTINCT/aggregate queries get a merge statement over the per-job union;
// otherwise a plain INSERT...SELECT. ORDER BY only ever applies in the
// merge statement, never the per-chunk template. mergeSelectList is
// rewriteAggregates' merge-side select list: for a plain query it's
// identical to p.SelectListSQL, for an aggregate query it re-aggregates
// the per-chunk partial columns instead of repeating the original
// aggregate call.
func synthesizeMerge(p ParsedSelect, mergeSelectList string) MergeStatement {
	needsMerge := p.OrderBySQL != "" || p.GroupBySQL != "" || p.LimitSQL != "" || p.HasDistinct || p.HasAggregate
	if !needsMerge {
		return MergeStatement{SQL: "INSERT INTO result SELECT * FROM <per-job-table>"}
	}
	var b strings.Builder
	b.WriteString("SELECT ")
	if p.HasDistinct {
		b.WriteString("DISTINCT ")
	}
	b.WriteString(mergeSelectList)
	b.WriteString(" FROM result")
	if p.GroupBySQL != "" {
		b.WriteString(" GROUP BY ")
		b.WriteString(p.GroupBySQL)
	}
	if p.OrderBySQL != "" {
		b.WriteString(" ORDER BY ")
		b.WriteString(p.OrderBySQL)
	}
	if p.LimitSQL != "" {
		b.WriteString(" LIMIT ")
		b.WriteString(p.LimitSQL)
	}
	return MergeStatement{SQL: b.String()}
}

// reAggExpr recognizes one select-list expression as a whole aggregate
// call, optionally aliased ("COUNT(*) AS total"); anything else (a plain
// column, a GROUP BY key carried through the select list) passes through
// rewriteAggregates unchanged.
var reAggExpr = regexp.MustCompile(`(?is)^(COUNT|SUM|AVG|MIN|MAX)\s*\(\s*(.*?)\s*\)(?:\s+AS\s+([A-Za-z_][A-Za-z0-9_]*))?$`)

// aggregateRewrite is rewriteAggregates' output: the select list the
// per-chunk template runs, and the select list the merge statement runs
// over the union of every chunk's partial result.
type aggregateRewrite struct {
	chunkSelectList string
	mergeSelectList string
}

// rewriteAggregates implements spec §4.1 step 5's per-chunk/merge split
// for aggregate functions (spec §8 E1: COUNT(*) over two chunks returning
// 42 and 58 must merge via SUM(QS1_COUNT) to 100, not COUNT(*) over the
// two per-job rows already in the merge table). Each aggregate call in
// the select list becomes a per-chunk partial column — COUNT/SUM/MIN/MAX
// of the same expression, or for AVG a SUM partial and a COUNT partial —
// and the merge statement re-aggregates those partials under the
// original alias. Non-aggregate expressions (plain columns, GROUP BY keys
// carried in the select list) pass through unchanged on both sides.
func rewriteAggregates(selectList string) aggregateRewrite {
	exprs := splitSelectList(selectList)
	chunkCols := make([]string, 0, len(exprs))
	mergeCols := make([]string, 0, len(exprs))
	for i, expr := range exprs {
		m := reAggExpr.FindStringSubmatch(expr)
		if m == nil {
			chunkCols = append(chunkCols, expr)
			mergeCols = append(mergeCols, expr)
			continue
		}
		fn, arg, alias := strings.ToUpper(m[1]), m[2], m[3]
		if alias == "" {
			alias = fmt.Sprintf("qs1_col_%d", i)
		}
		switch fn {
		case "AVG":
			sumCol := fmt.Sprintf("qs1_sum_%d", i)
			cntCol := fmt.Sprintf("qs1_count_%d", i)
			chunkCols = append(chunkCols,
				fmt.Sprintf("SUM(%s) AS %s", arg, sumCol),
				fmt.Sprintf("COUNT(%s) AS %s", arg, cntCol))
			mergeCols = append(mergeCols, fmt.Sprintf("SUM(%s)/SUM(%s) AS %s", sumCol, cntCol, alias))
		case "MIN", "MAX":
			partial := fmt.Sprintf("qs1_%s_%d", strings.ToLower(fn), i)
			chunkCols = append(chunkCols, fmt.Sprintf("%s(%s) AS %s", fn, arg, partial))
			mergeCols = append(mergeCols, fmt.Sprintf("%s(%s) AS %s", fn, partial, alias))
		default: // COUNT, SUM
			partial := fmt.Sprintf("qs1_%s_%d", strings.ToLower(fn), i)
			chunkCols = append(chunkCols, fmt.Sprintf("%s(%s) AS %s", fn, arg, partial))
			mergeCols = append(mergeCols, fmt.Sprintf("SUM(%s) AS %s", partial, alias))
		}
	}
	return aggregateRewrite{
		chunkSelectList: strings.Join(chunkCols, ", "),
		mergeSelectList: strings.Join(mergeCols, ", "),
	}
}

// splitSelectList splits a select list on top-level commas, trimming
// whitespace; naive like the rest of this package's select-list handling
// (spec.md §1 puts real expression parsing out of scope), sufficient for
// the single-expression-per-aggregate shapes spec.md's own examples use.
func splitSelectList(selectList string) []string {
	parts := strings.Split(selectList, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
