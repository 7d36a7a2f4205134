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

import "sync"

// pendingRequest is one outstanding request awaiting a correlated
// mcp/response.
type pendingRequest struct {
	done chan *Envelope
}

// correlationTable tracks outbound requests by the id the client
// assigned them, so an inbound mcp/response (or mcp/notification used
// as a reply) can be matched back to the caller that is blocked waiting
// on it (spec §4.K point 2).
type correlationTable struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest
}

func newCorrelationTable() *correlationTable {
	return &correlationTable{pending: make(map[string]*pendingRequest)}
}

// register records requestID as awaiting completion and returns the
// channel its resolution will be delivered on.
func (t *correlationTable) register(requestID string) <-chan *Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := &pendingRequest{done: make(chan *Envelope, 1)}
	t.pending[requestID] = p
	return p.done
}

// resolve delivers env to the pending request it correlates with, if
// any. It checks every id in env's correlation_id list since a response
// may carry more than one (spec §3's "singleton or list" contract).
func (t *correlationTable) resolve(env *Envelope) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range env.CorrelationID {
		if p, ok := t.pending[id]; ok {
			delete(t.pending, id)
			select {
			case p.done <- env:
			default:
			}
			return true
		}
	}
	return false
}

// forget abandons a pending request, e.g. after its caller's context
// was cancelled. Safe to call even if the request already resolved.
func (t *correlationTable) forget(requestID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, requestID)
}
