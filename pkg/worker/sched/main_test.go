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

package sched

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain verifies no test leaves a scheduler goroutine running --
// PriorityScheduler.Next blocks on a sync.Cond, so a test that forgets to
// drain or shut one down leaks a parked goroutine silently otherwise.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
