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

// Package registry keeps a worker's presence key alive in etcd, standing
// in for the registry service of spec §6 ("GET /workers" becomes a
// watched etcd prefix, per SPEC_FULL.md). A worker holds exactly one
// ephemeral lease key at <prefix><workerName> whose value is its dial
// address; the czar side watches the same prefix (pkg/czar/registry).
package registry

import (
	"context"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/hellebore74/qserv-sub001/pkg/qerror"
)

// Registrar owns one worker's lease-backed presence key.
type Registrar struct {
	client  *clientv3.Client
	key     string
	val     string
	ttlSecs int64
	leaseID clientv3.LeaseID
	cancel  context.CancelFunc
}

// NewRegistrar builds a Registrar for workerName, registering at
// prefix+workerName with value addr (the worker's dial address).
func NewRegistrar(client *clientv3.Client, prefix, workerName, addr string, ttlSecs int64) *Registrar {
	if ttlSecs <= 0 {
		ttlSecs = 30
	}
	return &Registrar{client: client, key: prefix + workerName, val: addr, ttlSecs: ttlSecs}
}

// Start grants a lease, puts the presence key under it, and keeps the
// lease alive until ctx is cancelled or Stop is called. It returns once
// the initial registration succeeds; keepalive runs in the background.
func (r *Registrar) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	lease, err := r.client.Grant(runCtx, r.ttlSecs)
	if err != nil {
		cancel()
		return qerror.Wrap(qerror.KindTransportError, 0, "granting etcd lease for "+r.key, err)
	}
	r.leaseID = lease.ID

	if _, err := r.client.Put(runCtx, r.key, r.val, clientv3.WithLease(lease.ID)); err != nil {
		cancel()
		return qerror.Wrap(qerror.KindTransportError, 0, "registering worker key "+r.key, err)
	}

	keepAlive, err := r.client.KeepAlive(runCtx, lease.ID)
	if err != nil {
		cancel()
		return qerror.Wrap(qerror.KindTransportError, 0, "starting etcd keepalive for "+r.key, err)
	}
	go func() {
		for range keepAlive {
			// Drain keepalive responses; a closed channel means the lease
			// expired or runCtx was cancelled, either of which just lets
			// this goroutine exit.
		}
	}()
	return nil
}

// Stop releases the lease and stops the keepalive loop.
func (r *Registrar) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	if r.leaseID != 0 {
		_, _ = r.client.Revoke(context.Background(), r.leaseID)
	}
}
