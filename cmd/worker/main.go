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

// Command qserv-worker runs one worker process: it accepts TaskMsgs over
// C5, schedules them through C7/C8, executes their fragments against a
// local MySQL instance, and streams results back through C9. Grounded on
// the teacher's cobra-based cmd/ binaries (tidb's own worker-process
// entrypoints) and spec §4.5–§4.8.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/hellebore74/qserv-sub001/pkg/qerror"
	"github.com/hellebore74/qserv-sub001/pkg/qlog"
	"github.com/hellebore74/qserv-sub001/pkg/transport"
	"github.com/hellebore74/qserv-sub001/pkg/wire"
	"github.com/hellebore74/qserv-sub001/pkg/worker/admincmd"
	"github.com/hellebore74/qserv-sub001/pkg/worker/config"
	"github.com/hellebore74/qserv-sub001/pkg/worker/dispatch"
	"github.com/hellebore74/qserv-sub001/pkg/worker/exec"
	"github.com/hellebore74/qserv-sub001/pkg/worker/memman"
	"github.com/hellebore74/qserv-sub001/pkg/worker/registry"
	"github.com/hellebore74/qserv-sub001/pkg/worker/sched"
	"github.com/hellebore74/qserv-sub001/pkg/worker/sendchannel"
	"github.com/hellebore74/qserv-sub001/pkg/worker/task"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "qserv-worker",
		Short: "Runs a Qserv worker process",
		RunE:  run,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a worker toml config file")
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

	db, err := sql.Open("mysql", cfg.QueryDSN)
	if err != nil {
		return qerror.Wrap(qerror.KindInternal, 0, "opening query DSN", err)
	}
	defer db.Close()

	memMan := memman.New(cfg.MemManCapacityBytes)
	for _, ts := range cfg.TableSizes {
		memMan.SetTableSize(ts.Db, ts.Table, ts.ApproxBytes)
	}

	ownership := newStaticOwnership(cfg.OwnedChunks)
	ratings := newStaticRatings(cfg.ScanRatings)

	priSched := sched.NewPriorityScheduler(toSchedQueueSpecs(cfg.PriorityQueues))

	var scanSched dispatch.Scheduler
	if cfg.UseGroupScheduler {
		scanSched = sched.NewGroupScheduler(4)
	} else {
		boot := sched.BootPolicy{
			MaxMinutesPerClass:     toBootMap(cfg.BootClasses),
			MaxTasksBootedPerQuery: cfg.MaxTasksBootedPerQuery,
		}
		scanSched = sched.NewChunkScanScheduler(memMan, boot)
	}

	interactive := dispatch.PriorityAdapter{
		Enqueuer:       priSched.Enqueue,
		InteractivePri: highestPriority(cfg.PriorityQueues),
	}
	disp := dispatch.New(ownership, ratings, interactive, scanSched, log)

	budget := sendchannel.NewBudget(cfg.MaxReplyBufferBytes, cfg.ReplyRateLimitBytesPerSec)
	runner := exec.NewRunner(db)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if len(cfg.RegistryEndpoints) > 0 {
		etcdClient, err := clientv3.New(clientv3.Config{Endpoints: cfg.RegistryEndpoints, DialTimeout: 5 * time.Second})
		if err != nil {
			return qerror.Wrap(qerror.KindTransportError, 0, "dialing etcd", err)
		}
		defer etcdClient.Close()
		reg := registry.NewRegistrar(etcdClient, cfg.RegistryPrefix, cfg.WorkerName, cfg.ListenAddr, int64(cfg.LeaseTTL.Seconds()))
		if err := reg.Start(ctx); err != nil {
			return err
		}
		defer reg.Stop()
	}

	handler := func(tag wire.Tag, payload []byte, reply *transport.ConnWriter) {
		handleFrame(log, disp, budget, tag, payload, reply)
	}

	admin := mux.NewRouter()
	admin.Handle("/metrics", promhttp.Handler())
	admin.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return qerror.Wrap(qerror.KindTransportError, 0, "listening on "+cfg.ListenAddr, err)
	}
	server := transport.NewServer(listener, handler, admin)

	runScanLoop(ctx, scanSched, runner, disp, log)
	for i := 0; i < maxInt(cfg.InteractiveWorkerCount, 1); i++ {
		go runInteractiveLoop(ctx, priSched, interactive.InteractivePri, runner, disp, log)
	}

	log.Info("worker listening", zap.String("addr", cfg.ListenAddr), zap.String("name", cfg.WorkerName))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve() }()

	select {
	case <-sig:
		log.Info("shutting down")
		return server.Close()
	case err := <-errCh:
		return err
	}
}

// handleFrame routes one decoded wire frame to the dispatcher, the
// cancellation path, or the admin-command handler. For a TaskMsg it only
// enqueues onto C7/C8 (disp.Dispatch); the Task's fragments are never run
// here, only from the scheduler pop loops (runScanLoop/runInteractiveLoop)
// that actually admitted it, so C7's min/max-running gate and C8's
// chunk-ordering/MemMan locking (spec §4.6, §4.7) are the only path to
// execution and a Task's query runs against MySQL exactly once.
func handleFrame(log *zap.Logger, disp *dispatch.Dispatcher, budget *sendchannel.Budget, tag wire.Tag, payload []byte, reply *transport.ConnWriter) {
	switch tag {
	case wire.TagTaskMsg:
		var msg wire.TaskMsg
		if err := transport.DecodeInto(payload, &msg); err != nil {
			log.Warn("decoding TaskMsg failed", zap.Error(err))
			return
		}
		ch := sendchannel.New(reply, budget)
		if _, err := disp.Dispatch(msg, ch); err != nil {
			_ = reply.WriteFrame(wire.TagErrorMsg, wire.ErrorMsg{QueryID: msg.QueryID, JobID: msg.JobID, Code: uint32(qerror.CodeOf(err)), Text: err.Error()})
			return
		}

	case wire.TagCancelMsg:
		var msg wire.CancelMsg
		if err := transport.DecodeInto(payload, &msg); err != nil {
			log.Warn("decoding CancelMsg failed", zap.Error(err))
			return
		}
		disp.Cancel(msg.QueryID, msg.JobID)

	case wire.TagWorkerCommand:
		var cmd wire.WorkerCommand
		if err := transport.DecodeInto(payload, &cmd); err != nil {
			log.Warn("decoding WorkerCommand failed", zap.Error(err))
			return
		}
		status := admincmd.Handle(cmd)
		_ = reply.WriteFrame(wire.TagStatusMsg, status)

	default:
		log.Warn("unexpected frame tag from czar", zap.String("tag", tag.String()))
	}
}

// runTask executes t once a scheduler has admitted it, streaming the
// result over t.Reply (the C9 channel built at Dispatch time from t's
// originating connection) and reporting completion back to disp so a
// later duplicate TaskMsg for the same (queryId, jobId) is accepted. This
// is the sole place any Task's fragments are run; handleFrame only
// enqueues.
func runTask(ctx context.Context, runner *exec.Runner, t *task.Task, disp *dispatch.Dispatcher, log *zap.Logger) {
	resultTable := ""
	if len(t.Fragments) > 0 {
		resultTable = t.Fragments[0].ResultTable
	}
	t.SetState(task.StateRunning)
	if err := runner.Run(ctx, t, resultTable, t.Reply); err != nil {
		log.Warn("task execution failed", zap.Uint64("queryId", t.QueryID), zap.Uint32("jobId", t.JobID), zap.Error(err))
		_ = t.Reply.SendError(err.Error(), uint32(qerror.CodeOf(err)))
		t.SetState(task.StateFailed)
	} else {
		t.SetState(task.StateDone)
	}
	t.MarkDone()
	disp.Forget(t.Key())
}

// runScanLoop drains C8 onto goroutines as slots free up, or the legacy
// GroupScheduler one batch at a time; both schedulers are poll-based
// rather than blocking, so this loop backs off briefly when nothing is
// ready.
func runScanLoop(ctx context.Context, scanSched dispatch.Scheduler, runner *exec.Runner, disp *dispatch.Dispatcher, log *zap.Logger) {
	if group, ok := scanSched.(*sched.GroupScheduler); ok {
		go func() {
			for ctx.Err() == nil {
				batch := group.TaskFinish(0)
				if len(batch) == 0 {
					time.Sleep(20 * time.Millisecond)
					continue
				}
				for _, t := range batch {
					runTask(ctx, runner, t, disp, log)
				}
			}
		}()
		return
	}
	chunkSched, ok := scanSched.(*sched.ChunkScanScheduler)
	if !ok {
		return
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			t, res := chunkSched.Ready()
			if res != sched.ReadyRunning {
				time.Sleep(20 * time.Millisecond)
				continue
			}
			go func(t *task.Task) {
				defer chunkSched.TaskComplete(t)
				runTask(ctx, runner, t, disp, log)
			}(t)
		}
	}()
}

// runInteractiveLoop is one of InteractiveWorkerCount goroutines draining
// C7's blocking Next().
func runInteractiveLoop(ctx context.Context, priSched *sched.PriorityScheduler, interactivePri int, runner *exec.Runner, disp *dispatch.Dispatcher, log *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		t := priSched.Next()
		if t == nil {
			return
		}
		runTask(ctx, runner, t, disp, log)
		priSched.Complete(priorityOf(t, interactivePri))
	}
}

func priorityOf(t *task.Task, interactivePri int) int {
	if t.ScanInteractive {
		return interactivePri
	}
	return 0
}

func highestPriority(specs []config.QueueSpec) int {
	best := 0
	for i, s := range specs {
		if i == 0 || s.Priority > best {
			best = s.Priority
		}
	}
	return best
}

func toSchedQueueSpecs(specs []config.QueueSpec) []sched.QueueSpec {
	out := make([]sched.QueueSpec, len(specs))
	for i, s := range specs {
		out[i] = sched.QueueSpec{Priority: s.Priority, MinRunning: s.MinRunning, MaxRunning: s.MaxRunning}
	}
	return out
}

func toBootMap(classes []config.BootClass) map[string]time.Duration {
	out := make(map[string]time.Duration, len(classes))
	for _, c := range classes {
		out[c.Name] = c.MaxHeldFor.Duration
	}
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// staticOwnership answers dispatch.ChunkOwnership from a fixed
// config-provided chunk list, standing in for the replication
// controller's assignment feed (out of scope per spec §1).
type staticOwnership struct {
	owned map[string]map[uint32]bool
}

func newStaticOwnership(sets []config.OwnedChunkSet) *staticOwnership {
	o := &staticOwnership{owned: map[string]map[uint32]bool{}}
	for _, s := range sets {
		m := make(map[uint32]bool, len(s.Chunks))
		for _, c := range s.Chunks {
			m[uint32(c)] = true
		}
		o.owned[s.Db] = m
	}
	return o
}

func (o *staticOwnership) Owns(db string, chunk uint32) bool {
	m, ok := o.owned[db]
	return ok && m[chunk]
}

// staticRatings answers dispatch.ScanInfoProvider from config, falling
// back to MEDIUM for any table not explicitly listed.
type staticRatings struct {
	ratings map[string]wire.ScanRating
}

func newStaticRatings(specs []config.ScanRating) *staticRatings {
	r := &staticRatings{ratings: map[string]wire.ScanRating{}}
	for _, s := range specs {
		r.ratings[s.Db+"."+s.Table] = parseRating(s.Rating)
	}
	return r
}

func (r *staticRatings) ScanRating(db, table string) wire.ScanRating {
	if v, ok := r.ratings[db+"."+table]; ok {
		return v
	}
	return wire.RatingMedium
}

func parseRating(s string) wire.ScanRating {
	switch s {
	case "SNAIL":
		return wire.RatingSnail
	case "SLOW":
		return wire.RatingSlow
	case "FAST":
		return wire.RatingFast
	default:
		return wire.RatingMedium
	}
}
