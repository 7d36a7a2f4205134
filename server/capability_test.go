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

package server

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCapabilityMatcherExactKind(t *testing.T) {
	m := NewCapabilityMatcher([]CapabilityPattern{
		{ID: "chat-only", Kind: "chat"},
	})

	_, ok := m.Admit("chat", nil, nil)
	assert.True(t, ok)

	_, ok = m.Admit("mcp/request", nil, nil)
	assert.False(t, ok)
}

func TestCapabilityMatcherPrefixKind(t *testing.T) {
	m := NewCapabilityMatcher([]CapabilityPattern{
		{ID: "any-mcp", Kind: "mcp/request:tools/*"},
	})

	_, ok := m.Admit("mcp/request:tools/call", nil, nil)
	assert.True(t, ok)

	_, ok = m.Admit("mcp/request:resources/read", nil, nil)
	assert.False(t, ok)
}

func TestCapabilityMatcherToRestriction(t *testing.T) {
	to := json.RawMessage(`["assistant-1"]`)
	m := NewCapabilityMatcher([]CapabilityPattern{
		{ID: "to-assistant", Kind: "chat", To: to},
	})

	_, ok := m.Admit("chat", []string{"assistant-1"}, nil)
	assert.True(t, ok)

	_, ok = m.Admit("chat", []string{"assistant-2"}, nil)
	assert.False(t, ok)
}

func TestCapabilityMatcherPayloadFieldRestriction(t *testing.T) {
	pattern := json.RawMessage(`{"method":"tools/call","params":{"name":"calculator"}}`)
	m := NewCapabilityMatcher([]CapabilityPattern{
		{ID: "calculator-only", Kind: "mcp/request", Payload: pattern},
	})

	good := json.RawMessage(`{"method":"tools/call","params":{"name":"calculator","arguments":{}}}`)
	_, ok := m.Admit("mcp/request", nil, good)
	assert.True(t, ok, "absent fields (arguments) are wildcards")

	bad := json.RawMessage(`{"method":"tools/call","params":{"name":"weather"}}`)
	_, ok = m.Admit("mcp/request", nil, bad)
	assert.False(t, ok)
}

func TestCapabilityMatcherPayloadArrayElementwise(t *testing.T) {
	pattern := json.RawMessage(`{"tags":["a","b"]}`)
	m := NewCapabilityMatcher([]CapabilityPattern{
		{ID: "tagged", Kind: "chat", Payload: pattern},
	})

	exact := json.RawMessage(`{"tags":["a","b"]}`)
	_, ok := m.Admit("chat", nil, exact)
	assert.True(t, ok)

	different := json.RawMessage(`{"tags":["a","c"]}`)
	_, ok = m.Admit("chat", nil, different)
	assert.False(t, ok)

	shorter := json.RawMessage(`{"tags":["a"]}`)
	_, ok = m.Admit("chat", nil, shorter)
	assert.False(t, ok)
}

func TestCapabilityMatcherGrantAndRevokeAreImmutable(t *testing.T) {
	base := NewCapabilityMatcher([]CapabilityPattern{{ID: "base", Kind: "chat"}})

	granted := base.WithGranted([]CapabilityPattern{{ID: "extra", Kind: "mcp/request"}})
	assert.Equal(t, 1, base.Len(), "granting must not mutate the receiver")
	assert.Equal(t, 2, granted.Len())

	revoked := granted.WithRevoked("extra", nil)
	assert.Equal(t, 2, granted.Len(), "revoking must not mutate the receiver")
	assert.Equal(t, 1, revoked.Len())
}

func TestCapabilityMatcherRevokeByPattern(t *testing.T) {
	m := NewCapabilityMatcher([]CapabilityPattern{
		{Kind: "chat"},
		{Kind: "mcp/request"},
	})

	revoked := m.WithRevoked("", []CapabilityPattern{{Kind: "chat"}})
	assert.Equal(t, 1, revoked.Len())
	_, ok := revoked.Admit("chat", nil, nil)
	assert.False(t, ok)
	_, ok = revoked.Admit("mcp/request", nil, nil)
	assert.True(t, ok)
}
