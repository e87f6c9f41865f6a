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

package dispatch

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hellebore74/qserv-sub001/pkg/czar/analyzer"
	"github.com/hellebore74/qserv-sub001/pkg/czar/catalog"
	"github.com/hellebore74/qserv-sub001/pkg/czar/session"
)

func itoa(v uint64) string { return strconv.FormatUint(v, 10) }

type fakeAdmin struct {
	droppedDBs    []string
	droppedTables [][2]string
}

func (f *fakeAdmin) DropDatabase(db string) error {
	f.droppedDBs = append(f.droppedDBs, db)
	return nil
}

func (f *fakeAdmin) DropTable(db, table string) error {
	f.droppedTables = append(f.droppedTables, [2]string{db, table})
	return nil
}

type fakeParser struct {
	parse func(sql string) (analyzer.ParsedSelect, error)
}

func (f *fakeParser) Parse(sql string) (analyzer.ParsedSelect, error) { return f.parse(sql) }

func singleTableParser() *fakeParser {
	return &fakeParser{parse: func(sql string) (analyzer.ParsedSelect, error) {
		return analyzer.ParsedSelect{
			Tables:        []analyzer.TableRef{{Database: "LSST", Table: "Object"}},
			SelectListSQL: "COUNT(*)",
			FromSQL:       "LSST.Object",
			HasAggregate:  true,
		}, nil
	}}
}

func newLifecycleFixture(t *testing.T, admin *fakeAdmin) (*Lifecycle, *catalog.Catalog, *session.Registry, *fakeDialer) {
	t.Helper()
	cat := catalog.New(admin, nil)
	t.Cleanup(cat.Close)
	cat.RegisterTable(catalog.TableDescriptor{
		Database: "LSST", Name: "Object", Kind: catalog.Director,
		PrimaryKey: "id", LonColumn: "ra", LatColumn: "decl", PartitioningFamilyID: 1,
	})
	cat.SetChunkOwnership("LSST", map[int32]string{100: "worker-a", 200: "worker-b"})

	reg := session.NewRegistry(time.Hour)
	dialer := newFakeDialer()
	d := New(cat, reg, dialer, 1, 3, nil)
	lc := NewLifecycle(cat, reg, d, singleTableParser())
	return lc, cat, reg, dialer
}

func TestLifecycleDropDatabaseForwardsToAdminAndCompletes(t *testing.T) {
	admin := &fakeAdmin{}
	lc, _, _, _ := newLifecycleFixture(t, admin)

	res, err := lc.Execute(context.Background(), "DROP DATABASE foo;")
	require.NoError(t, err)
	require.Equal(t, []string{"foo"}, admin.droppedDBs)
	require.Equal(t, session.UQCompleted, res.UserQuery.GetState())
}

func TestLifecycleFlushChunksCacheInvalidatesCatalog(t *testing.T) {
	lc, cat, _, _ := newLifecycleFixture(t, &fakeAdmin{})
	_, err := cat.Lookup("LSST", "Object") // warms the cache entry
	require.NoError(t, err)

	res, err := lc.Execute(context.Background(), "FLUSH QSERV_CHUNKS_CACHE FOR LSST")
	require.NoError(t, err)
	require.Equal(t, session.UQCompleted, res.UserQuery.GetState())
}

func TestLifecycleShowProcesslistListsSubmittedQueries(t *testing.T) {
	lc, _, reg, _ := newLifecycleFixture(t, &fakeAdmin{})
	reg.Submit("SELECT 1")
	reg.Submit("SELECT 2")

	res, err := lc.Execute(context.Background(), "SHOW PROCESSLIST")
	require.NoError(t, err)
	require.Len(t, res.ProcessList, 2)
	require.Nil(t, res.UserQuery)
}

func TestLifecycleSubmitDispatchesAsynchronously(t *testing.T) {
	lc, _, _, dialer := newLifecycleFixture(t, &fakeAdmin{})

	res, err := lc.Execute(context.Background(), "SUBMIT SELECT COUNT(*) FROM Object")
	require.NoError(t, err)
	require.NotNil(t, res.UserQuery)
	queryID := res.UserQuery.QueryID

	require.Eventually(t, func() bool {
		return dialer.get("worker-a") != nil && dialer.get("worker-a").sentCount() == 1 &&
			dialer.get("worker-b") != nil && dialer.get("worker-b").sentCount() == 1
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, queryID, res.UserQuery.QueryID)
}

func TestLifecycleFetchResultRequiresCompletion(t *testing.T) {
	lc, _, reg, _ := newLifecycleFixture(t, &fakeAdmin{})
	q := reg.Submit("SELECT 1")

	_, err := lc.Execute(context.Background(), "SELECT * FROM QSERV_RESULT(999)")
	require.Error(t, err, "unknown queryId")

	_, err = lc.Execute(context.Background(), "SELECT * FROM QSERV_RESULT("+itoa(q.QueryID)+")")
	require.Error(t, err, "not yet COMPLETED")

	q.SetState(session.UQCompleted)
	res, err := lc.Execute(context.Background(), "SELECT * FROM QSERV_RESULT("+itoa(q.QueryID)+")")
	require.NoError(t, err)
	require.Equal(t, q.ResultTable, res.UserQuery.ResultTable)
}

func TestLifecycleKillCancelsQuery(t *testing.T) {
	lc, _, reg, _ := newLifecycleFixture(t, &fakeAdmin{})
	q := reg.Submit("SELECT 1")

	res, err := lc.Execute(context.Background(), "CANCEL "+itoa(q.QueryID))
	require.NoError(t, err)
	require.Equal(t, session.UQCancelled, res.UserQuery.GetState())
}

func TestLifecycleCallQservManagerStoresArgumentAsMessage(t *testing.T) {
	lc, _, _, _ := newLifecycleFixture(t, &fakeAdmin{})

	res, err := lc.Execute(context.Background(), "CALL QSERV_MANAGER('hello')")
	require.NoError(t, err)
	require.Equal(t, session.UQCompleted, res.UserQuery.GetState())
	msgs := res.UserQuery.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "hello", msgs[0].Text)
}

func TestLifecycleOrdinarySelectDispatchesImmediately(t *testing.T) {
	lc, _, _, dialer := newLifecycleFixture(t, &fakeAdmin{})

	res, err := lc.Execute(context.Background(), "SELECT COUNT(*) FROM Object")
	require.NoError(t, err)
	require.Len(t, res.UserQuery.Jobs, 2)
	require.Equal(t, 1, dialer.get("worker-a").sentCount())
}
