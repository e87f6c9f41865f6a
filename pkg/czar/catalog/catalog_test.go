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

package catalog

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hellebore74/qserv-sub001/pkg/qerror"
)

type fakeAdmin struct {
	dbs    []string
	tables []string
	fail   bool
}

func (f *fakeAdmin) DropDatabase(db string) error {
	if f.fail {
		return qerror.New(qerror.KindInternal, 1, "boom")
	}
	f.dbs = append(f.dbs, db)
	return nil
}

func (f *fakeAdmin) DropTable(db, table string) error {
	if f.fail {
		return qerror.New(qerror.KindInternal, 1, "boom")
	}
	f.tables = append(f.tables, db+"."+table)
	return nil
}

func TestLookupUnknownTable(t *testing.T) {
	c := New(nil, nil)
	defer c.Close()
	_, err := c.Lookup("LSST", "Object")
	require.Error(t, err)
	require.Equal(t, qerror.KindPlanError, qerror.KindOf(err))
}

func TestRegisterAndLookup(t *testing.T) {
	c := New(nil, nil)
	defer c.Close()
	td := TableDescriptor{Database: "LSST", Name: "Object", Kind: Director, PrimaryKey: "id", LonColumn: "ra", LatColumn: "decl"}
	c.RegisterTable(td)
	got, err := c.Lookup("LSST", "Object")
	require.NoError(t, err)
	require.Equal(t, td, got)
}

func TestChunkOwnershipAndSet(t *testing.T) {
	c := New(nil, nil)
	defer c.Close()
	c.SetChunkOwnership("LSST", map[int32]string{100: "worker1", 200: "worker2"})
	w, ok := c.WorkerFor("LSST", 100)
	require.True(t, ok)
	require.Equal(t, "worker1", w)
	chunks := c.ChunksFor("LSST")
	require.ElementsMatch(t, []int32{100, 200}, chunks)
}

func TestWorkerHealthDefaultsToOne(t *testing.T) {
	h := NewWorkerHealth()
	require.Equal(t, 1.0, h.Score("unknown"))
	h.RecordSuccess("w1")
	h.RecordFailure("w1")
	require.Equal(t, 0.5, h.Score("w1"))
}

func TestDropDatabaseForwardsAndInvalidates(t *testing.T) {
	admin := &fakeAdmin{}
	c := New(admin, nil)
	defer c.Close()
	c.RegisterTable(TableDescriptor{Database: "LSST", Name: "Object", Kind: Director})
	c.SetChunkOwnership("LSST", map[int32]string{1: "w1"})
	require.NoError(t, c.DropDatabase("LSST"))
	require.Equal(t, []string{"LSST"}, admin.dbs)
	_, err := c.Lookup("LSST", "Object")
	require.Error(t, err)
}

func TestDropDatabaseNoAdminConfigured(t *testing.T) {
	c := New(nil, nil)
	defer c.Close()
	err := c.DropDatabase("LSST")
	require.Error(t, err)
	require.Equal(t, qerror.KindUnsupported, qerror.KindOf(err))
}

type fakeLocker struct{ locked map[int32]bool }

func (f *fakeLocker) IsLocked(db string, chunk int32) bool { return f.locked[chunk] }

func TestLocked(t *testing.T) {
	c := New(nil, &fakeLocker{locked: map[int32]bool{5: true}})
	defer c.Close()
	require.True(t, c.Locked("LSST", 5))
	require.False(t, c.Locked("LSST", 6))
}

func TestLockedNilLocker(t *testing.T) {
	c := New(nil, nil)
	defer c.Close()
	require.False(t, c.Locked("LSST", 5))
}
