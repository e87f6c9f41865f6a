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

import "go.uber.org/zap"

// LoggingAdmin is the production CatalogAdmin for deployments with no
// replication controller to forward DROP DATABASE/TABLE to (that
// controller's migration/write API is out of scope per spec §1): it only
// logs the administrative intent. A deployment with a real controller
// swaps this for an implementation that calls it.
type LoggingAdmin struct {
	log *zap.Logger
}

// NewLoggingAdmin builds a LoggingAdmin that logs through log.
func NewLoggingAdmin(log *zap.Logger) *LoggingAdmin {
	return &LoggingAdmin{log: log}
}

func (a *LoggingAdmin) DropDatabase(db string) error {
	if a.log != nil {
		a.log.Info("admin: drop database (no replication controller wired)", zap.String("db", db))
	}
	return nil
}

func (a *LoggingAdmin) DropTable(db, table string) error {
	if a.log != nil {
		a.log.Info("admin: drop table (no replication controller wired)", zap.String("db", db), zap.String("table", table))
	}
	return nil
}

// AlwaysUnlocked is the production ChunkLocker for deployments with no
// replica-rebalance system running (spec §1 Non-goal: no migration/write
// API), so no chunk is ever reported locked.
type AlwaysUnlocked struct{}

func (AlwaysUnlocked) IsLocked(db string, chunk int32) bool { return false }
