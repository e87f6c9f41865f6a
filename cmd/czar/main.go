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

// Command qserv-czar runs the front-end process: it accepts client
// queries over its admin surface, analyzes and dispatches them to
// workers (C1-C4, C10), and serves results back once a UserQuery
// completes. Grounded on the teacher's cobra-based cmd/ entrypoints and
// spec §4.1-§4.4.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/hellebore74/qserv-sub001/pkg/czar/analyzer"
	"github.com/hellebore74/qserv-sub001/pkg/czar/catalog"
	"github.com/hellebore74/qserv-sub001/pkg/czar/config"
	"github.com/hellebore74/qserv-sub001/pkg/czar/dispatch"
	"github.com/hellebore74/qserv-sub001/pkg/czar/merge"
	czarregistry "github.com/hellebore74/qserv-sub001/pkg/czar/registry"
	"github.com/hellebore74/qserv-sub001/pkg/czar/session"
	"github.com/hellebore74/qserv-sub001/pkg/qerror"
	"github.com/hellebore74/qserv-sub001/pkg/qlog"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "qserv-czar",
		Short: "Runs the Qserv czar front-end process",
		RunE:  run,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a czar toml config file")
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := qlog.SetLevel(cfg.LogLevel); err != nil {
		return err
	}
	log := qlog.Logger()

	admin := catalog.NewLoggingAdmin(log)
	cat := catalog.New(admin, catalog.AlwaysUnlocked{})
	defer cat.Close()
	applyChunkAssignments(cat, cfg.ChunkAssignments)

	reg := session.NewRegistry(cfg.ResultTTL.Duration)
	if err := reg.StartSweep(); err != nil {
		return err
	}
	defer reg.StopSweep()

	mergeTable, err := merge.NewSQLMergeTable(cfg.MergeDSN)
	if err != nil {
		return err
	}
	defer mergeTable.Close()
	merger := merge.NewMerger(reg, mergeTable, log)

	dialer := dispatch.NewDialer()
	defer dialer.Close()
	disp := dispatch.New(cat, reg, dialer, cfg.CzarID, uint32(cfg.MaxAttempts), log)

	merger.RetryHook = func(queryID uint64, jobID uint32) {
		q, ok := reg.Get(queryID)
		if !ok {
			return
		}
		res, err := rebuildAnalysis(q, cat)
		if err != nil {
			log.Warn("redispatch: could not rebuild analysis", zap.Uint64("queryId", queryID), zap.Error(err))
			return
		}
		if err := disp.RedispatchJob(context.Background(), q, jobID, res); err != nil {
			log.Warn("redispatch failed", zap.Uint64("queryId", queryID), zap.Uint32("jobId", jobID), zap.Error(err))
		}
	}

	lifecycle := dispatch.NewLifecycle(cat, reg, disp, analyzer.NaiveParser{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if len(cfg.RegistryEndpoints) > 0 {
		etcdClient, err := clientv3.New(clientv3.Config{Endpoints: cfg.RegistryEndpoints, DialTimeout: 5 * time.Second})
		if err != nil {
			return qerror.Wrap(qerror.KindTransportError, 0, "dialing etcd", err)
		}
		defer etcdClient.Close()
		sink := &ownershipLogger{log: log}
		watcher := czarregistry.NewWatcher(etcdClient, cfg.RegistryPrefix, sink, log)
		go func() {
			if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
				log.Warn("registry watcher stopped", zap.Error(err))
			}
		}()
	}

	srv := newAdminServer(cfg.AdminAddr, lifecycle, reg)

	log.Info("czar listening", zap.String("admin_addr", cfg.AdminAddr), zap.Uint32("czarId", cfg.CzarID))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-sig:
		log.Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// applyChunkAssignments seeds the catalog's chunk-to-worker map from
// static config at startup, the only caller SetChunkOwnership has until
// a real replication controller feed exists (out of scope per spec §1).
func applyChunkAssignments(cat *catalog.Catalog, assignments []config.ChunkAssignment) {
	byDb := map[string]map[int32]string{}
	for _, a := range assignments {
		m, ok := byDb[a.Db]
		if !ok {
			m = map[int32]string{}
			byDb[a.Db] = m
		}
		for _, chunk := range a.Chunks {
			m[chunk] = a.Worker
		}
	}
	for db, m := range byDb {
		cat.SetChunkOwnership(db, m)
	}
}

// rebuildAnalysis re-parses and re-analyzes a UserQuery's original SQL so
// RetryHook can call RedispatchJob with a fresh analyzer.Result; the
// Merger only carries query/job identity, not the parsed plan, so a
// single-Job retry re-derives it rather than caching every Result.
func rebuildAnalysis(q *session.UserQuery, cat *catalog.Catalog) (*analyzer.Result, error) {
	parsed, err := (analyzer.NaiveParser{}).Parse(q.OriginalSQL)
	if err != nil {
		return nil, err
	}
	return analyzer.Analyze(parsed, cat)
}

// ownershipLogger is the production OwnershipSink: chunk-to-worker
// assignment remains catalog.Catalog.SetChunkOwnership's job (driven by
// static config, mirroring the worker's config.OwnedChunks), so this
// sink only logs liveness transitions observed from etcd.
type ownershipLogger struct {
	log *zap.Logger
}

func (s *ownershipLogger) WorkerJoined(name, addr string) {
	s.log.Info("worker joined", zap.String("worker", name), zap.String("addr", addr))
}

func (s *ownershipLogger) WorkerLeft(name string) {
	s.log.Info("worker left", zap.String("worker", name))
}

// newAdminServer builds the gorilla/mux debug and query surface: POST
// /query submits SQL through the lifecycle; GET /jobs, GET
// /requests/{queryId} and GET /meta/version serve the admin read paths
// spec §6 names; /metrics serves the Prometheus registry.
func newAdminServer(addr string, lifecycle *dispatch.Lifecycle, reg *session.Registry) *http.Server {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/meta/version", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, map[string]string{"version": "qserv-sub001", "correlationId": uuid.NewString()})
	}).Methods(http.MethodGet)

	r.HandleFunc("/query", func(w http.ResponseWriter, req *http.Request) {
		handleQuery(w, req, lifecycle)
	}).Methods(http.MethodPost)

	r.HandleFunc("/jobs", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, summarizeJobs(reg.ListUserQueries()))
	}).Methods(http.MethodGet)

	r.HandleFunc("/requests/{queryId}", func(w http.ResponseWriter, req *http.Request) {
		handleRequestStatus(w, req, reg)
	}).Methods(http.MethodGet)

	return &http.Server{Addr: addr, Handler: r}
}

type queryRequest struct {
	SQL string `json:"sql"`
}

func handleQuery(w http.ResponseWriter, req *http.Request, lifecycle *dispatch.Lifecycle) {
	var body queryRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	result, err := lifecycle.Execute(req.Context(), body.SQL)
	if err != nil {
		writeJSON(w, map[string]string{"error": err.Error(), "code": fmt.Sprintf("%d", qerror.CodeOf(err))})
		return
	}
	if result.UserQuery != nil {
		writeJSON(w, map[string]interface{}{
			"queryId": result.UserQuery.QueryID,
			"state":   result.UserQuery.GetState().String(),
		})
		return
	}
	writeJSON(w, map[string]interface{}{"processlist": summarizeJobs(result.ProcessList)})
}

func handleRequestStatus(w http.ResponseWriter, req *http.Request, reg *session.Registry) {
	vars := mux.Vars(req)
	var queryID uint64
	if _, err := fmt.Sscanf(vars["queryId"], "%d", &queryID); err != nil {
		http.Error(w, "invalid queryId", http.StatusBadRequest)
		return
	}
	q, ok := reg.Get(queryID)
	if !ok {
		http.NotFound(w, req)
		return
	}
	loc, locErr := q.ResultLocation()
	resp := map[string]interface{}{"queryId": q.QueryID, "state": q.GetState().String()}
	if locErr == nil {
		resp["resultTable"] = loc
	}
	writeJSON(w, resp)
}

func summarizeJobs(queries []*session.UserQuery) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(queries))
	for _, q := range queries {
		out = append(out, map[string]interface{}{
			"queryId": q.QueryID,
			"state":   q.GetState().String(),
		})
	}
	return out
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
