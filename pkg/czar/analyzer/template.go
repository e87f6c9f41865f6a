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

package analyzer

import (
	"fmt"
	"strconv"
	"strings"
)

// Token names rendered into a QueryTemplate, per spec §3/§4.1.
const (
	tokenChunk        = "%CC%"
	tokenSubChunk     = "%SS%"
	tokenFullOverlap  = "%FULL_OVERLAP%"
	fullOverlapSuffix = "FullOverlap"
)

// ChunkingPlan classifies how heavily a query's template depends on chunk
// geometry, per spec §4.1.
type ChunkingPlan int

const (
	PlanNone ChunkingPlan = iota
	PlanChunkOnly
	PlanChunkAndSubChunk
)

func (p ChunkingPlan) String() string {
	switch p {
	case PlanChunkOnly:
		return "CHUNK_ONLY"
	case PlanChunkAndSubChunk:
		return "CHUNK_AND_SUBCHUNK"
	default:
		return "NONE"
	}
}

// QueryTemplate is an ordered sequence of text fragments, some bearing
// %CC%/%SS%/%FULL_OVERLAP% tokens (spec §3). Rendering is idempotent:
// substituting the same (chunk, subChunk) pair twice yields identical SQL.
type QueryTemplate struct {
	// Text is the base (non-overlap) template body.
	Text string
	// OverlapText is the "FullOverlap" variant used on the larger (director)
	// side of a chunkLevel-2 join (spec §4.1 step 4); empty when subchunking
	// is not active.
	OverlapText string
}

// Render substitutes a (chunkId, subChunkId) binding into the base template.
func (t QueryTemplate) Render(chunk int32, subChunk uint32) string {
	return renderOne(t.Text, chunk, subChunk, false)
}

// RenderOverlap substitutes into the FullOverlap variant, used for the
// director side of a subchunked self-join (spec §4.1 step 4 / E3).
func (t QueryTemplate) RenderOverlap(chunk int32, subChunk uint32) string {
	if t.OverlapText == "" {
		return t.Render(chunk, subChunk)
	}
	return renderOne(t.OverlapText, chunk, subChunk, true)
}

func renderOne(text string, chunk int32, subChunk uint32, overlap bool) string {
	out := strings.ReplaceAll(text, tokenChunk, strconv.FormatInt(int64(chunk), 10))
	out = strings.ReplaceAll(out, tokenSubChunk, strconv.FormatUint(uint64(subChunk), 10))
	if overlap {
		out = strings.ReplaceAll(out, tokenFullOverlap, fullOverlapSuffix)
	} else {
		out = strings.ReplaceAll(out, tokenFullOverlap, "")
	}
	return out
}

// chunkTableName renders a chunkLevel-1 templated table name: db.t_%CC%.
func chunkTableName(db, table string) string {
	return fmt.Sprintf("%s.%s_%s", db, table, tokenChunk)
}

// subChunkTableName renders a chunkLevel-2 templated table name:
// Subchunks_db_%CC%.t_%CC%_%SS%. When full is true, the table gets the
// FullOverlap suffix appended to its subchunk id token, mirroring
// SphericalBoxStrategy.cc's makeSubChunkTableTemplate/FullOverlap handling.
func subChunkTableName(db, table string, full bool) string {
	if full {
		return fmt.Sprintf("Subchunks_%s_%s.%s_%s_%s%s", db, tokenChunk, table, tokenChunk, tokenSubChunk, tokenFullOverlap)
	}
	return fmt.Sprintf("Subchunks_%s_%s.%s_%s_%s", db, tokenChunk, table, tokenChunk, tokenSubChunk)
}
