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

// Package wire defines the czar<->worker wire protocol message shapes from
// spec §6 and the entities shared across both process tiers from spec §3.
// Framing and (de)serialization live in pkg/transport; this package only
// owns the message shapes so that czar and worker code can share one
// vocabulary without importing each other.
package wire

import "fmt"

// Tag identifies a payload's message kind, per spec §6.
type Tag uint8

const (
	TagTaskMsg       Tag = 0x01
	TagReplyHeader   Tag = 0x02
	TagReplyBlob     Tag = 0x03
	TagCancelMsg     Tag = 0x04
	TagStatusMsg     Tag = 0x05
	TagErrorMsg      Tag = 0x06
	TagWorkerCommand Tag = 0x10
)

func (t Tag) String() string {
	switch t {
	case TagTaskMsg:
		return "TaskMsg"
	case TagReplyHeader:
		return "ReplyHeader"
	case TagReplyBlob:
		return "ReplyBlob"
	case TagCancelMsg:
		return "CancelMsg"
	case TagStatusMsg:
		return "StatusMsg"
	case TagErrorMsg:
		return "ErrorMsg"
	case TagWorkerCommand:
		return "WorkerCommand"
	default:
		return fmt.Sprintf("Tag(0x%02x)", uint8(t))
	}
}

// ScanRating classifies a table's scan cost, coarsest first. Comparisons
// order SNAIL before SLOW before MEDIUM before FAST so that "slower sorts
// first" (spec §3 ScanInfo) falls out of a plain numeric comparison.
type ScanRating int

const (
	RatingSnail ScanRating = iota
	RatingSlow
	RatingMedium
	RatingFast
)

func (r ScanRating) String() string {
	switch r {
	case RatingSnail:
		return "SNAIL"
	case RatingSlow:
		return "SLOW"
	case RatingMedium:
		return "MEDIUM"
	case RatingFast:
		return "FAST"
	default:
		return "UNKNOWN"
	}
}

// ScanTableInfo is one (table, rating) entry from a Task's ScanInfo.
type ScanTableInfo struct {
	Db         string
	Table      string
	LockInMem  bool
	ScanRating ScanRating
}

// Fragment is one chunk-query fragment: the literal SQL statements to run
// plus the subchunk ids they should be rendered against (empty for
// chunk-only queries) and the per-job result table they write into.
type Fragment struct {
	Queries      []string
	SubChunks    []uint32
	ResultTable  string
}

// TaskMsg is payload tag 0x01: the czar's request to run one Job attempt on
// a chunk owned by a worker.
type TaskMsg struct {
	QueryID         uint64
	JobID           uint32
	Attempt         uint32
	CzarID          uint32
	Db              string
	Chunk           uint32
	ScanInteractive bool
	ScanTables      []ScanTableInfo
	Fragments       []Fragment
}

// ReplyHeader is payload tag 0x02: the first frame of a Job's ReplyStream.
type ReplyHeader struct {
	QueryID    uint64
	JobID      uint32
	Attempt    uint32
	RowCount   uint64
	ByteCount  uint64
	MD5        [16]byte
	EndNoData  bool
	SchemaHash string
}

// ReplyBlob is payload tag 0x03: a row-data frame following a ReplyHeader.
type ReplyBlob struct {
	Seq   uint32
	Last  bool
	Bytes []byte
}

// CancelMsg is payload tag 0x04: an out-of-band cancel for one Job.
type CancelMsg struct {
	QueryID uint64
	JobID   uint32
}

// StatusMsg is payload tag 0x05: a worker-reported Job/Task state update.
type StatusMsg struct {
	QueryID        uint64
	JobID          uint32
	State          string
	ExtendedStatus string
}

// ErrorMsg is payload tag 0x06: a terminal error for a Job.
type ErrorMsg struct {
	QueryID uint64
	JobID   uint32
	Code    uint32
	Text    string
}

// WorkerCommand is payload tag 0x10: an administrative command (chunk
// add/remove, list, echo, perf) per spec §6 and the worker self-check
// command from original_source/src/wpublish/qserv-worker-perf.cc.
type WorkerCommand struct {
	Kind      string
	Arguments map[string]string
}
