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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecognizeDropDatabase(t *testing.T) {
	r := Recognize("DROP DATABASE foo;")
	require.Equal(t, CommandDropDatabase, r.Command)
	require.Equal(t, "foo", r.Database)

	r2 := Recognize("drop schema `Bar`")
	require.Equal(t, CommandDropDatabase, r2.Command)
	require.Equal(t, "Bar", r2.Database)
}

func TestRecognizeDropTableWithAndWithoutDb(t *testing.T) {
	r := Recognize("DROP TABLE LSST.Object")
	require.Equal(t, CommandDropTable, r.Command)
	require.Equal(t, "LSST", r.Database)
	require.Equal(t, "Object", r.Table)

	r2 := Recognize(`DROP TABLE "Object";`)
	require.Equal(t, CommandDropTable, r2.Command)
	require.Equal(t, "", r2.Database)
	require.Equal(t, "Object", r2.Table)
}

func TestRecognizeFlushChunksCache(t *testing.T) {
	r := Recognize("FLUSH QSERV_CHUNKS_CACHE")
	require.Equal(t, CommandFlushChunksCache, r.Command)
	require.Equal(t, "", r.Database)

	r2 := Recognize("flush qserv_chunks_cache for LSST;")
	require.Equal(t, CommandFlushChunksCache, r2.Command)
	require.Equal(t, "LSST", r2.Database)
}

func TestRecognizeShowProcesslist(t *testing.T) {
	require.Equal(t, CommandShowProcesslist, Recognize("SHOW PROCESSLIST").Command)
	require.Equal(t, CommandShowProcesslist, Recognize("show full processlist;").Command)
}

func TestRecognizeSubmitCapturesInnerSelect(t *testing.T) {
	r := Recognize("SUBMIT SELECT * FROM Object;")
	require.Equal(t, CommandSubmit, r.Command)
	require.Equal(t, "SELECT * FROM Object", r.Inner)
}

func TestRecognizeFetchResultNotTreatedAsRegularSelect(t *testing.T) {
	r := Recognize("SELECT * FROM QSERV_RESULT(42)")
	require.Equal(t, CommandFetchResult, r.Command)
	require.EqualValues(t, 42, r.QueryID)
	require.NotEqual(t, CommandNone, r.Command)
}

func TestRecognizeKillAndCancel(t *testing.T) {
	r := Recognize("KILL QUERY 5")
	require.Equal(t, CommandKill, r.Command)
	require.EqualValues(t, 5, r.QueryID)

	r2 := Recognize("KILL CONNECTION 6;")
	require.Equal(t, CommandKill, r2.Command)
	require.EqualValues(t, 6, r2.QueryID)

	r3 := Recognize("CANCEL 7")
	require.Equal(t, CommandKill, r3.Command)
	require.EqualValues(t, 7, r3.QueryID)
}

func TestRecognizeCall(t *testing.T) {
	r := Recognize("CALL QSERV_MANAGER('hello world')")
	require.Equal(t, CommandCall, r.Command)
	require.Equal(t, "QSERV_MANAGER", r.Proc)
	require.Equal(t, "'hello world'", r.Args)
}

func TestRecognizeOrdinarySelectIsNone(t *testing.T) {
	r := Recognize("SELECT * FROM Object WHERE qserv_areaspec_box(0,0,1,1)")
	require.Equal(t, CommandNone, r.Command)
}
