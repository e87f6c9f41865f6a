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

// Package qlog wraps go.uber.org/zap the way the czar and worker expect to
// log: a package-level background logger plus context-scoped loggers that
// carry queryId/jobId/chunk fields through the dispatch and scheduling
// pipeline.
package qlog

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu     sync.RWMutex
	global *zap.Logger
)

func init() {
	global, _ = newLogger("info")
}

func newLogger(level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

// SetLevel replaces the global logger at the requested level. Component
// main()s call this once after parsing configuration.
func SetLevel(level string) error {
	l, err := newLogger(level)
	if err != nil {
		return err
	}
	mu.Lock()
	global = l
	mu.Unlock()
	return nil
}

// Logger returns the shared background logger.
func Logger() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return global
}

// With returns a child logger carrying the given structured fields, mirroring
// the teacher's convention of a component-scoped logger created once and
// reused (e.g. "component", "queryId").
func With(fields ...zap.Field) *zap.Logger {
	return Logger().With(fields...)
}

type ctxKey struct{}

// WithContext attaches a logger to ctx so it can be retrieved by FromContext
// deeper in a call chain without threading an explicit *zap.Logger parameter.
func WithContext(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// FromContext returns the logger attached by WithContext, or the global
// background logger if none was attached.
func FromContext(ctx context.Context) *zap.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return Logger()
}

// QueryField and JobField are the two structured fields used pervasively
// across C3/C4/C6/C7/C8 log lines.
func QueryField(queryID uint64) zap.Field { return zap.Uint64("queryId", queryID) }
func JobField(jobID uint32) zap.Field     { return zap.Uint32("jobId", jobID) }
func ChunkField(chunkID int32) zap.Field  { return zap.Int32("chunk", chunkID) }
