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

// Package registry watches the etcd prefix workers register themselves
// under (pkg/worker/registry), the czar-side half of spec §6's registry
// service. It only tracks which worker names are currently reachable and
// at what address — chunk-to-worker ownership assignment itself remains
// catalog.Catalog.SetChunkOwnership's job (the partitioning metadata of
// spec §4.1, not a liveness concern).
package registry

import (
	"context"
	"strings"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/hellebore74/qserv-sub001/pkg/qerror"
	"github.com/hellebore74/qserv-sub001/pkg/qlog"
)

// OwnershipSink is notified as workers join or leave the registry prefix.
type OwnershipSink interface {
	WorkerJoined(name, addr string)
	WorkerLeft(name string)
}

// Watcher mirrors an etcd prefix of live workers into sink.
type Watcher struct {
	client *clientv3.Client
	prefix string
	sink   OwnershipSink
	log    *zap.Logger
}

// NewWatcher builds a Watcher over prefix, notifying sink of changes.
func NewWatcher(client *clientv3.Client, prefix string, sink OwnershipSink, log *zap.Logger) *Watcher {
	if log == nil {
		log = qlog.Logger()
	}
	return &Watcher{client: client, prefix: prefix, sink: sink, log: log}
}

// Run loads the current prefix contents, notifies sink for each entry,
// then watches for further Put/Delete events until ctx is cancelled or
// the watch channel closes.
func (w *Watcher) Run(ctx context.Context) error {
	get, err := w.client.Get(ctx, w.prefix, clientv3.WithPrefix())
	if err != nil {
		return qerror.Wrap(qerror.KindTransportError, 0, "listing registry prefix "+w.prefix, err)
	}
	for _, kv := range get.Kvs {
		w.sink.WorkerJoined(w.workerName(string(kv.Key)), string(kv.Value))
	}

	watchCh := w.client.Watch(ctx, w.prefix, clientv3.WithPrefix(), clientv3.WithRev(get.Header.Revision+1))
	for resp := range watchCh {
		if err := resp.Err(); err != nil {
			w.log.Warn("registry watch error", zap.Error(err))
			continue
		}
		for _, ev := range resp.Events {
			name := w.workerName(string(ev.Kv.Key))
			switch ev.Type {
			case clientv3.EventTypePut:
				w.sink.WorkerJoined(name, string(ev.Kv.Value))
			case clientv3.EventTypeDelete:
				w.sink.WorkerLeft(name)
			}
		}
	}
	return ctx.Err()
}

func (w *Watcher) workerName(key string) string {
	return strings.TrimPrefix(key, w.prefix)
}
