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

package analyzer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hellebore74/qserv-sub001/pkg/czar/catalog"
	"github.com/hellebore74/qserv-sub001/pkg/qerror"
)

func newTestCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	c := catalog.New(nil, nil)
	t.Cleanup(c.Close)
	c.RegisterTable(catalog.TableDescriptor{
		Database: "LSST", Name: "Object", Kind: catalog.Director,
		PrimaryKey: "id", LonColumn: "ra", LatColumn: "decl", PartitioningFamilyID: 1,
	})
	c.RegisterTable(catalog.TableDescriptor{
		Database: "LSST", Name: "Source", Kind: catalog.Child,
		ForeignKey: "objectId", DirectorTable: "LSST.Object",
	})
	return c
}

// E1: single director table with a box restrictor.
func TestAnalyzeE1BoxRestrictorCountStar(t *testing.T) {
	c := newTestCatalog(t)
	p := ParsedSelect{
		Tables:          []TableRef{{Database: "LSST", Table: "Object"}},
		AreaRestrictors: []AreaRestrictor{{Kind: RestrictorBox, Args: []float64{0, 0, 1, 1}}},
		SelectListSQL:   "COUNT(*)",
		FromSQL:         "LSST.Object",
		HasAggregate:    true,
	}
	res, err := Analyze(p, c)
	require.NoError(t, err)
	require.Equal(t, PlanChunkOnly, res.Plan)
	rendered := res.Template.Render(100, 0)
	require.Contains(t, rendered, "LSST.Object_100")
	require.Contains(t, rendered, "scisql_s2PtInBox(ra,decl,0,0,1,1)=1")
	require.NotContains(t, rendered, "%CC%")
}

// E2: director JOIN child, chunkLevel 1, no subchunks.
func TestAnalyzeE2DirectorChildJoin(t *testing.T) {
	c := newTestCatalog(t)
	p := ParsedSelect{
		Tables: []TableRef{
			{Database: "LSST", Table: "Object", Alias: "o"},
			{Database: "LSST", Table: "Source", Alias: "s"},
		},
		JoinPredicates: []JoinPredicate{{LeftRef: "o", LeftColumn: "id", RightRef: "s", RightColumn: "objectId"}},
		SelectListSQL:  "o.id, s.flux",
		FromSQL:        "LSST.Object o JOIN LSST.Source s ON o.id=s.objectId",
	}
	res, err := Analyze(p, c)
	require.NoError(t, err)
	require.Equal(t, PlanChunkOnly, res.Plan)
	rendered := res.Template.Render(100, 0)
	require.Contains(t, rendered, "LSST.Object_100")
	require.Contains(t, rendered, "LSST.Source_100")
	require.NotContains(t, rendered, "%SS%")
}

// E3: self-join of a director table, chunkLevel 2.
func TestAnalyzeE3SelfJoinSubchunked(t *testing.T) {
	c := newTestCatalog(t)
	c.RegisterTable(catalog.TableDescriptor{
		Database: "LSST", Name: "Object2", Kind: catalog.Director,
		PrimaryKey: "id", LonColumn: "ra", LatColumn: "decl", PartitioningFamilyID: 1,
	})
	p := ParsedSelect{
		Tables: []TableRef{
			{Database: "LSST", Table: "Object", Alias: "a"},
			{Database: "LSST", Table: "Object", Alias: "b"},
		},
		JoinPredicates: []JoinPredicate{{LeftRef: "a", LeftColumn: "id", RightRef: "b", RightColumn: "id"}},
		SelectListSQL:  "a.id, b.id",
		FromSQL:        "LSST.Object a JOIN LSST.Object b ON a.id=b.id",
		WhereSQL:       "a.id<>b.id",
	}
	res, err := Analyze(p, c)
	require.NoError(t, err)
	require.Equal(t, PlanChunkAndSubChunk, res.Plan)
	require.NotEmpty(t, res.Template.OverlapText)
	rendered := res.Template.Render(100, 5)
	require.Contains(t, rendered, "Subchunks_LSST_100.Object_100_5")
	overlap := res.Template.RenderOverlap(100, 5)
	require.Contains(t, overlap, "FullOverlap")
}

func TestAnalyzeRejectsNonAdmissibleDirectorDirectorJoin(t *testing.T) {
	c := newTestCatalog(t)
	c.RegisterTable(catalog.TableDescriptor{
		Database: "LSST", Name: "OtherDir", Kind: catalog.Director,
		PrimaryKey: "id", LonColumn: "ra", LatColumn: "decl", PartitioningFamilyID: 2,
	})
	p := ParsedSelect{
		Tables: []TableRef{
			{Database: "LSST", Table: "Object", Alias: "a"},
			{Database: "LSST", Table: "OtherDir", Alias: "b"},
		},
		JoinPredicates: []JoinPredicate{{LeftRef: "a", LeftColumn: "id", RightRef: "b", RightColumn: "id"}},
		FromSQL:        "LSST.Object a JOIN LSST.OtherDir b ON a.id=b.id",
		SelectListSQL:  "a.id",
	}
	_, err := Analyze(p, c)
	require.Error(t, err)
	require.Equal(t, qerror.KindPlanError, qerror.KindOf(err))
}

func TestAnalyzeRejectsMalformedRestrictor(t *testing.T) {
	c := newTestCatalog(t)
	p := ParsedSelect{
		Tables:          []TableRef{{Database: "LSST", Table: "Object"}},
		AreaRestrictors: []AreaRestrictor{{Kind: RestrictorBox, Args: []float64{0, 0, 1}}},
		SelectListSQL:   "*",
		FromSQL:         "LSST.Object",
	}
	_, err := Analyze(p, c)
	require.Error(t, err)
	require.Equal(t, qerror.KindPlanError, qerror.KindOf(err))
}

func TestAnalyzeUnknownTablePropagatesPlanError(t *testing.T) {
	c := newTestCatalog(t)
	p := ParsedSelect{Tables: []TableRef{{Database: "LSST", Table: "NoSuchTable"}}, FromSQL: "LSST.NoSuchTable", SelectListSQL: "*"}
	_, err := Analyze(p, c)
	require.Error(t, err)
	require.Equal(t, qerror.KindPlanError, qerror.KindOf(err))
}

func TestSynthesizeMergePlainWhenNoAggregation(t *testing.T) {
	c := newTestCatalog(t)
	p := ParsedSelect{Tables: []TableRef{{Database: "LSST", Table: "Object"}}, FromSQL: "LSST.Object", SelectListSQL: "*"}
	res, err := Analyze(p, c)
	require.NoError(t, err)
	require.Equal(t, "INSERT INTO result SELECT * FROM <per-job-table>", res.Merge.SQL)
}

func TestSynthesizeMergeWithOrderByGroupByLimit(t *testing.T) {
	c := newTestCatalog(t)
	p := ParsedSelect{
		Tables: []TableRef{{Database: "LSST", Table: "Object"}}, FromSQL: "LSST.Object",
		SelectListSQL: "id, COUNT(*)", GroupBySQL: "id", OrderBySQL: "id", LimitSQL: "10", HasAggregate: true,
	}
	res, err := Analyze(p, c)
	require.NoError(t, err)
	require.Contains(t, res.Merge.SQL, "GROUP BY id")
	require.Contains(t, res.Merge.SQL, "ORDER BY id")
	require.Contains(t, res.Merge.SQL, "LIMIT 10")
	require.NotContains(t, res.Template.Text, "ORDER BY")
}

// E1 as spec §8 actually states it: two chunks returning 42 and 58 rows
// for COUNT(*) must merge to 100 via SUM of per-chunk partials, not
// COUNT(*) over the two per-job rows already sitting in the merge table.
func TestAnalyzeE1CountStarMergesViaSumOfPartials(t *testing.T) {
	c := newTestCatalog(t)
	p := ParsedSelect{
		Tables:          []TableRef{{Database: "LSST", Table: "Object"}},
		AreaRestrictors: []AreaRestrictor{{Kind: RestrictorBox, Args: []float64{0, 0, 1, 1}}},
		SelectListSQL:   "COUNT(*)",
		FromSQL:         "LSST.Object",
		HasAggregate:    true,
	}
	res, err := Analyze(p, c)
	require.NoError(t, err)
	require.Contains(t, res.Template.Text, "COUNT(*) AS qs1_count_0")
	require.Equal(t, "SELECT SUM(qs1_count_0) AS qs1_col_0 FROM result", res.Merge.SQL)
}

// AVG splits into SUM/COUNT partials chunk-side and recombines by
// division merge-side; re-aggregating the chunk-level averages directly
// would weight every chunk equally regardless of its row count.
func TestAnalyzeAvgSplitsIntoSumAndCountPartials(t *testing.T) {
	c := newTestCatalog(t)
	p := ParsedSelect{
		Tables:        []TableRef{{Database: "LSST", Table: "Object"}},
		SelectListSQL: "AVG(mag) AS avgMag",
		FromSQL:       "LSST.Object",
		HasAggregate:  true,
	}
	res, err := Analyze(p, c)
	require.NoError(t, err)
	require.Contains(t, res.Template.Text, "SUM(mag) AS qs1_sum_0")
	require.Contains(t, res.Template.Text, "COUNT(mag) AS qs1_count_0")
	require.Equal(t, "SELECT SUM(qs1_sum_0)/SUM(qs1_count_0) AS avgMag FROM result", res.Merge.SQL)
}

func TestQueryTemplateRenderIsIdempotent(t *testing.T) {
	tmpl := QueryTemplate{Text: "SELECT * FROM db.t_%CC%"}
	a := tmpl.Render(5, 0)
	b := tmpl.Render(5, 0)
	require.Equal(t, a, b)
}
