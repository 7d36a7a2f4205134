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
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffGrowsAndClampsToMax(t *testing.T) {
	min := 100 * time.Millisecond
	max := 2 * time.Second

	first := backoff(0, min, max)
	assert.GreaterOrEqual(t, first, time.Duration(0))

	later := backoff(10, min, max)
	assert.LessOrEqual(t, later, max+time.Duration(float64(max)*0.25))
	assert.Greater(t, later, first)
}

func TestBackoffNeverGoesBelowMin(t *testing.T) {
	min := 200 * time.Millisecond
	max := time.Second
	for attempt := 0; attempt < 5; attempt++ {
		d := backoff(attempt, min, max)
		assert.GreaterOrEqual(t, d, min)
	}
}

func TestJoinURLBuildsSpacesWebSocketPath(t *testing.T) {
	u, err := joinURL("ws://localhost:8080", "lobby")
	assert.NoError(t, err)
	assert.Equal(t, "ws://localhost:8080/spaces/lobby/ws", u)
}

func TestSendWithoutConnectionReturnsErrNotConnected(t *testing.T) {
	c := newTestClient()
	env, err := newEnvelope(KindChat, nil, struct{ Text string }{Text: "hi"})
	assert.NoError(t, err)
	assert.ErrorIs(t, c.send(env), ErrNotConnected)
}

func TestConfigWithDefaultsFillsZeroValues(t *testing.T) {
	cfg := Config{URL: "ws://x", Space: "s", Token: "t"}.withDefaults()
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.MinBackoff)
	assert.Equal(t, 30*time.Second, cfg.MaxBackoff)
}
