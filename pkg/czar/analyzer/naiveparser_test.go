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
)

func TestNaiveParserSingleTableWithBoxRestrictor(t *testing.T) {
	p := NaiveParser{}
	sel, err := p.Parse(`SELECT o.id, o.ra, o.decl FROM LSST.Object o WHERE qserv_areaspec_box(1,1,2,2)`)
	require.NoError(t, err)
	require.Len(t, sel.Tables, 1)
	require.Equal(t, TableRef{Database: "LSST", Table: "Object", Alias: "o"}, sel.Tables[0])
	require.Len(t, sel.AreaRestrictors, 1)
	require.Equal(t, RestrictorBox, sel.AreaRestrictors[0].Kind)
	require.Equal(t, []float64{1, 1, 2, 2}, sel.AreaRestrictors[0].Args)
	require.Empty(t, sel.WhereSQL)
}

func TestNaiveParserJoinWithOnClause(t *testing.T) {
	p := NaiveParser{}
	sel, err := p.Parse(`SELECT o.id, s.flux FROM LSST.Object o JOIN LSST.Source s ON o.id=s.objectId WHERE qserv_areaspec_circle(10,20,0.5)`)
	require.NoError(t, err)
	require.Len(t, sel.Tables, 2)
	require.Equal(t, "Source", sel.Tables[1].Table)
	require.Len(t, sel.JoinPredicates, 1)
	require.Equal(t, "o", sel.JoinPredicates[0].LeftRef)
	require.Equal(t, "s", sel.JoinPredicates[0].RightRef)
	require.Len(t, sel.AreaRestrictors, 1)
	require.Equal(t, RestrictorCircle, sel.AreaRestrictors[0].Kind)
}

func TestNaiveParserGroupByMarksAggregate(t *testing.T) {
	p := NaiveParser{}
	sel, err := p.Parse(`SELECT o.id, COUNT(*) FROM LSST.Object o GROUP BY o.id`)
	require.NoError(t, err)
	require.True(t, sel.HasAggregate)
	require.Equal(t, "o.id", sel.GroupBySQL)
}

func TestNaiveParserOrderByAndLimit(t *testing.T) {
	p := NaiveParser{}
	sel, err := p.Parse(`SELECT o.id FROM LSST.Object o ORDER BY o.id LIMIT 10`)
	require.NoError(t, err)
	require.Equal(t, "o.id", sel.OrderBySQL)
	require.Equal(t, "10", sel.LimitSQL)
}

func TestNaiveParserNonEqualityWhereIsPreserved(t *testing.T) {
	p := NaiveParser{}
	sel, err := p.Parse(`SELECT o.id FROM LSST.Object o WHERE o.mag > 20 AND qserv_areaspec_box(1,1,2,2)`)
	require.NoError(t, err)
	require.Equal(t, "o.mag > 20", sel.WhereSQL)
	require.Len(t, sel.AreaRestrictors, 1)
}

func TestNaiveParserRejectsUnrecognizedShape(t *testing.T) {
	p := NaiveParser{}
	_, err := p.Parse(`SHOW TABLES`)
	require.Error(t, err)
}

func TestNaiveParserRejectsMalformedTableRef(t *testing.T) {
	p := NaiveParser{}
	_, err := p.Parse(`SELECT 1 FROM Object`)
	require.Error(t, err)
}
