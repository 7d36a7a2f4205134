// Copyright 2026 The Mewgate Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCorrelationTableResolvesRegisteredRequest(t *testing.T) {
	table := newCorrelationTable()
	done := table.register("req-1")

	resp := &Envelope{ID: "resp-1", CorrelationID: []string{"req-1"}}
	assert.True(t, table.resolve(resp))

	select {
	case got := <-done:
		assert.Equal(t, "resp-1", got.ID)
	default:
		t.Fatal("expected resolved response to be delivered")
	}
}

func TestCorrelationTableIgnoresUnknownCorrelation(t *testing.T) {
	table := newCorrelationTable()
	table.register("req-1")

	resp := &Envelope{ID: "resp-1", CorrelationID: []string{"not-tracked"}}
	assert.False(t, table.resolve(resp))
}

func TestCorrelationTableForgetDropsPending(t *testing.T) {
	table := newCorrelationTable()
	table.register("req-1")
	table.forget("req-1")

	resp := &Envelope{ID: "resp-1", CorrelationID: []string{"req-1"}}
	assert.False(t, table.resolve(resp), "a forgotten request must not resolve")
}

func TestCorrelationTableMatchesAnyIDInList(t *testing.T) {
	table := newCorrelationTable()
	done := table.register("req-2")

	resp := &Envelope{ID: "resp-1", CorrelationID: []string{"req-1", "req-2"}}
	assert.True(t, table.resolve(resp))
	<-done
}
