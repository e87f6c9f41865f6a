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

package transport

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hellebore74/qserv-sub001/pkg/wire"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	msg := wire.TaskMsg{QueryID: 42, JobID: 7, Db: "LSST", Chunk: 3}
	require.NoError(t, WriteFrame(&buf, wire.TagTaskMsg, msg))

	tag, payload, err := ReadFrame(bufio.NewReader(&buf))
	require.NoError(t, err)
	require.Equal(t, wire.TagTaskMsg, tag)

	var got wire.TaskMsg
	require.NoError(t, DecodeInto(payload, &got))
	require.Equal(t, msg, got)
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(byte(wire.TagTaskMsg))
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF}) // length far beyond maxFrameBytes
	_, _, err := ReadFrame(bufio.NewReader(&buf))
	require.Error(t, err)
}

func TestReadFrameEOFOnEmptyStream(t *testing.T) {
	var buf bytes.Buffer
	_, _, err := ReadFrame(bufio.NewReader(&buf))
	require.Error(t, err)
}

func TestMultipleFramesInSequence(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, wire.TagCancelMsg, wire.CancelMsg{QueryID: 1, JobID: 1}))
	require.NoError(t, WriteFrame(&buf, wire.TagErrorMsg, wire.ErrorMsg{QueryID: 1, JobID: 1, Code: 5, Text: "boom"}))

	r := bufio.NewReader(&buf)
	tag1, p1, err := ReadFrame(r)
	require.NoError(t, err)
	require.Equal(t, wire.TagCancelMsg, tag1)
	var cancel wire.CancelMsg
	require.NoError(t, DecodeInto(p1, &cancel))
	require.EqualValues(t, 1, cancel.JobID)

	tag2, p2, err := ReadFrame(r)
	require.NoError(t, err)
	require.Equal(t, wire.TagErrorMsg, tag2)
	var em wire.ErrorMsg
	require.NoError(t, DecodeInto(p2, &em))
	require.Equal(t, "boom", em.Text)
}
