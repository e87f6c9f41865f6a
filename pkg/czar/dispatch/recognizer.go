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
	"regexp"
	"strconv"
	"strings"
)

// Command identifies one of the in-band SQL commands C10 recognizes before
// a string ever reaches the analyzer (spec §4.9 table).
type Command int

const (
	CommandNone Command = iota
	CommandDropDatabase
	CommandDropTable
	CommandFlushChunksCache
	CommandShowProcesslist
	CommandSubmit
	CommandFetchResult
	CommandKill
	CommandCall
)

// Recognized is the outcome of matching a raw SQL string against C10's
// regex table. Only the fields relevant to Command are populated.
type Recognized struct {
	Command  Command
	Database string
	Table    string
	Inner    string
	QueryID  uint64
	Proc     string
	Args     string
}

// ident allows a bare, backtick-quoted, or double-quoted identifier,
// optionally dotted (db.table), per spec §9 "optional quoting".
const ident = "`?\"?([A-Za-z_][A-Za-z0-9_]*)`?\"?"

var (
	reDropDatabase = regexp.MustCompile(`(?i)^\s*DROP\s+(?:DATABASE|SCHEMA)\s+` + ident + `\s*;?\s*$`)
	reDropTable    = regexp.MustCompile(`(?i)^\s*DROP\s+TABLE\s+(?:` + ident + `\s*\.\s*)?` + ident + `\s*;?\s*$`)
	reFlushCache   = regexp.MustCompile(`(?i)^\s*FLUSH\s+QSERV_CHUNKS_CACHE(?:\s+FOR\s+` + ident + `)?\s*;?\s*$`)
	reProcesslist  = regexp.MustCompile(`(?i)^\s*SHOW\s+(?:FULL\s+)?PROCESSLIST\s*;?\s*$`)
	reSubmit       = regexp.MustCompile(`(?i)^\s*SUBMIT\s+(.+?)\s*;?\s*$`)
	reFetchResult  = regexp.MustCompile(`(?i)^\s*SELECT\s+\*\s+FROM\s+QSERV_RESULT\s*\(\s*(\d+)\s*\)\s*;?\s*$`)
	reKill         = regexp.MustCompile(`(?i)^\s*KILL\s+(?:QUERY\s+|CONNECTION\s+)?(\d+)\s*;?\s*$`)
	reCancel       = regexp.MustCompile(`(?i)^\s*CANCEL\s+(\d+)\s*;?\s*$`)
	reCall         = regexp.MustCompile(`(?i)^\s*CALL\s+` + ident + `\s*\(\s*(.*?)\s*\)\s*;?\s*$`)
)

// Recognize matches sql against C10's in-band command table (spec §4.9).
// All recognizers are case-insensitive and tolerate a trailing semicolon;
// a string matching none of them is an ordinary SELECT bound for the
// analyzer. reFetchResult is checked ahead of nothing else needing it: a
// plain SELECT is never confused with QSERV_RESULT(N) because that form is
// matched explicitly here first (spec §9 design note).
func Recognize(sql string) Recognized {
	if m := reDropDatabase.FindStringSubmatch(sql); m != nil {
		return Recognized{Command: CommandDropDatabase, Database: m[1]}
	}
	if m := reDropTable.FindStringSubmatch(sql); m != nil {
		db, table := m[1], m[2]
		return Recognized{Command: CommandDropTable, Database: db, Table: table}
	}
	if m := reFlushCache.FindStringSubmatch(sql); m != nil {
		return Recognized{Command: CommandFlushChunksCache, Database: m[1]}
	}
	if reProcesslist.MatchString(sql) {
		return Recognized{Command: CommandShowProcesslist}
	}
	if m := reFetchResult.FindStringSubmatch(sql); m != nil {
		id, _ := strconv.ParseUint(m[1], 10, 64)
		return Recognized{Command: CommandFetchResult, QueryID: id}
	}
	if m := reKill.FindStringSubmatch(sql); m != nil {
		id, _ := strconv.ParseUint(m[1], 10, 64)
		return Recognized{Command: CommandKill, QueryID: id}
	}
	if m := reCancel.FindStringSubmatch(sql); m != nil {
		id, _ := strconv.ParseUint(m[1], 10, 64)
		return Recognized{Command: CommandKill, QueryID: id}
	}
	if m := reCall.FindStringSubmatch(sql); m != nil {
		return Recognized{Command: CommandCall, Proc: m[1], Args: strings.TrimSpace(m[2])}
	}
	// SUBMIT is checked last among the non-SELECT forms since its pattern
	// is the most permissive (arbitrary inner text).
	if m := reSubmit.FindStringSubmatch(sql); m != nil {
		return Recognized{Command: CommandSubmit, Inner: m[1]}
	}
	return Recognized{Command: CommandNone}
}
