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
	"fmt"
	"strings"

	"github.com/pingcap/errors"

	"github.com/hellebore74/qserv-sub001/pkg/czar/analyzer"
	"github.com/hellebore74/qserv-sub001/pkg/czar/catalog"
	"github.com/hellebore74/qserv-sub001/pkg/czar/session"
	"github.com/hellebore74/qserv-sub001/pkg/qerror"
)

// Parser turns a raw SQL string into a ParsedSelect. Grammar/AST
// construction is out of scope (spec §1); Lifecycle depends on this seam
// so a real SQL front end can be substituted without touching
// orchestration.
type Parser interface {
	Parse(sql string) (analyzer.ParsedSelect, error)
}

// ExecResult is the outcome of Lifecycle.Execute: exactly one of
// UserQuery or ProcessList is populated, depending on the recognized
// command.
type ExecResult struct {
	UserQuery   *session.UserQuery
	ProcessList []*session.UserQuery
}

// Lifecycle is C10: it owns submit()/getResultLocation()/cancel()/
// getMessages() and the in-band command recognizer table, driving C2
// (analyzer) and C3 (Dispatcher) for ordinary queries. Grounded on
// original_source/core/modules/ccontrol/UserQueryQservManager.cc for the
// CALL QSERV_MANAGER administrative path and on spec §4.9's command table
// for everything else.
type Lifecycle struct {
	catalog    *catalog.Catalog
	registry   *session.Registry
	dispatcher *Dispatcher
	parser     Parser
}

// NewLifecycle builds a Lifecycle wired to the given collaborators.
func NewLifecycle(cat *catalog.Catalog, reg *session.Registry, disp *Dispatcher, parser Parser) *Lifecycle {
	return &Lifecycle{catalog: cat, registry: reg, dispatcher: disp, parser: parser}
}

// Execute recognizes sql as an in-band command or, failing that, treats it
// as an ordinary query: parse -> analyze (C2) -> dispatch (C3).
func (l *Lifecycle) Execute(ctx context.Context, sql string) (*ExecResult, error) {
	rec := Recognize(sql)
	switch rec.Command {
	case CommandDropDatabase:
		return l.handleDropDatabase(rec.Database)
	case CommandDropTable:
		return l.handleDropTable(rec.Database, rec.Table)
	case CommandFlushChunksCache:
		l.catalog.InvalidateCache(rec.Database)
		q := l.registry.Submit(sql)
		q.SetState(session.UQCompleted)
		return &ExecResult{UserQuery: q}, nil
	case CommandShowProcesslist:
		return &ExecResult{ProcessList: l.registry.ListUserQueries()}, nil
	case CommandSubmit:
		return l.handleSubmit(rec.Inner)
	case CommandFetchResult:
		return l.handleFetchResult(rec.QueryID)
	case CommandKill:
		return l.handleKill(rec.QueryID)
	case CommandCall:
		return l.handleCall(rec.Proc, rec.Args)
	default:
		return l.handleRegularSelect(ctx, sql)
	}
}

func (l *Lifecycle) handleDropDatabase(db string) (*ExecResult, error) {
	if err := l.catalog.DropDatabase(db); err != nil {
		return nil, errors.Trace(err)
	}
	q := l.registry.Submit(fmt.Sprintf("DROP DATABASE %s", db))
	q.SetState(session.UQCompleted)
	return &ExecResult{UserQuery: q}, nil
}

func (l *Lifecycle) handleDropTable(db, table string) (*ExecResult, error) {
	if err := l.catalog.DropTable(db, table); err != nil {
		return nil, errors.Trace(err)
	}
	q := l.registry.Submit(fmt.Sprintf("DROP TABLE %s.%s", db, table))
	q.SetState(session.UQCompleted)
	return &ExecResult{UserQuery: q}, nil
}

// handleSubmit implements async `SUBMIT <inner SELECT>`: the inner query
// is parsed, analyzed and dispatched on a detached goroutine while the
// caller gets back the UserQuery immediately with its queryId.
func (l *Lifecycle) handleSubmit(inner string) (*ExecResult, error) {
	q := l.registry.Submit(inner)
	go func() {
		parsed, err := l.parser.Parse(inner)
		if err != nil {
			q.SetState(session.UQFailed)
			l.registry.AddMessage(q.QueryID, qerror.CodeOf(err), session.SeverityError, err.Error())
			return
		}
		res, err := analyzer.Analyze(parsed, l.catalog)
		if err != nil {
			q.SetState(session.UQFailed)
			l.registry.AddMessage(q.QueryID, qerror.CodeOf(err), session.SeverityError, err.Error())
			return
		}
		if err := l.dispatcher.Dispatch(context.Background(), q, res); err != nil {
			l.registry.AddMessage(q.QueryID, qerror.CodeOf(err), session.SeverityError, err.Error())
		}
	}()
	return &ExecResult{UserQuery: q}, nil
}

// handleFetchResult implements `SELECT * FROM QSERV_RESULT(<qid>)`: the
// caller is expected to then query q.ResultTable directly once the
// UserQuery reports COMPLETED.
func (l *Lifecycle) handleFetchResult(queryID uint64) (*ExecResult, error) {
	q, ok := l.registry.Get(queryID)
	if !ok {
		return nil, qerror.New(qerror.KindPlanError, 2201, fmt.Sprintf("unknown queryId %d", queryID))
	}
	if _, err := q.ResultLocation(); err != nil {
		return nil, errors.Trace(err)
	}
	return &ExecResult{UserQuery: q}, nil
}

// handleKill implements `KILL [QUERY|CONNECTION] <n>` and `CANCEL <qid>`,
// both modeled as cancellation by queryId (spec §4.9; this cut does not
// maintain a separate thread/connection registry).
func (l *Lifecycle) handleKill(queryID uint64) (*ExecResult, error) {
	q, ok := l.registry.Get(queryID)
	if !ok {
		return nil, qerror.New(qerror.KindPlanError, 2202, fmt.Sprintf("unknown query or thread id %d", queryID))
	}
	if err := l.dispatcher.Cancel(q); err != nil {
		return nil, errors.Trace(err)
	}
	return &ExecResult{UserQuery: q}, nil
}

// handleCall implements `CALL QSERV_MANAGER('value')`, grounded on
// original_source/core/modules/ccontrol/UserQueryQservManager.cc: an
// administrative echo that stores its single argument as a message rather
// than running any dispatch.
func (l *Lifecycle) handleCall(proc, args string) (*ExecResult, error) {
	if !strings.EqualFold(proc, "QSERV_MANAGER") {
		return nil, qerror.New(qerror.KindUnsupported, 2203, "unrecognized administrative procedure "+proc)
	}
	value := strings.Trim(args, "'\"")
	q := l.registry.Submit(fmt.Sprintf("CALL %s(%s)", proc, args))
	l.registry.AddMessage(q.QueryID, 0, session.SeverityInfo, value)
	q.SetState(session.UQCompleted)
	return &ExecResult{UserQuery: q}, nil
}

func (l *Lifecycle) handleRegularSelect(ctx context.Context, sql string) (*ExecResult, error) {
	parsed, err := l.parser.Parse(sql)
	if err != nil {
		return nil, errors.Trace(err)
	}
	res, err := analyzer.Analyze(parsed, l.catalog)
	if err != nil {
		return nil, errors.Trace(err)
	}
	q := l.registry.Submit(sql)
	if err := l.dispatcher.Dispatch(ctx, q, res); err != nil {
		return &ExecResult{UserQuery: q}, errors.Trace(err)
	}
	return &ExecResult{UserQuery: q}, nil
}
