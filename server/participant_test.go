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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type fakeConnection struct {
	enqueued []*Envelope
}

func (c *fakeConnection) Logger() *zap.Logger { return zap.NewNop() }
func (c *fakeConnection) Enqueue(env *Envelope) bool {
	c.enqueued = append(c.enqueued, env)
	return true
}
func (c *fakeConnection) EnqueueFrame(streamID string, data []byte) bool { return true }
func (c *fakeConnection) Close()                                        {}
func (c *fakeConnection) ParticipantID() string                         { return "" }
func (c *fakeConnection) SpaceID() string                               { return "" }

func TestParticipantBindUnbindPresence(t *testing.T) {
	p := NewParticipant("human-1", nil, nil)
	assert.Equal(t, PresenceDisconnected, p.Presence())
	assert.Nil(t, p.Connection())

	conn := &fakeConnection{}
	p.Bind(conn)
	assert.Equal(t, PresenceConnected, p.Presence())
	assert.Equal(t, Connection(conn), p.Connection())
	assert.Zero(t, p.DisconnectedFor())

	p.Unbind()
	assert.Equal(t, PresenceDisconnected, p.Presence())
	assert.Nil(t, p.Connection())
	assert.GreaterOrEqual(t, p.DisconnectedFor(), time.Duration(0))
}

func TestParticipantSetPausedDoesNotDropConnection(t *testing.T) {
	p := NewParticipant("assistant-1", nil, nil)
	conn := &fakeConnection{}
	p.Bind(conn)

	p.SetPaused(true)
	assert.Equal(t, PresencePaused, p.Presence())
	assert.NotNil(t, p.Connection(), "pausing must not unbind the connection")

	p.SetPaused(false)
	assert.Equal(t, PresenceConnected, p.Presence())
}

func TestParticipantGrantAndRevokeBumpGeneration(t *testing.T) {
	p := NewParticipant("agent-1", []CapabilityPattern{{Kind: "chat"}}, nil)
	before := p.Generation()

	_, ok := p.Capabilities().Admit("mcp/request", nil, nil)
	assert.False(t, ok)

	p.Grant([]CapabilityPattern{{ID: "g1", Kind: "mcp/request"}})
	assert.Greater(t, p.Generation(), before)

	_, ok = p.Capabilities().Admit("mcp/request", nil, nil)
	assert.True(t, ok)

	p.Revoke("g1", nil)
	_, ok = p.Capabilities().Admit("mcp/request", nil, nil)
	assert.False(t, ok)
}

func TestParticipantRegistryGetOrCreateIsIdempotent(t *testing.T) {
	r := NewParticipantRegistry(zap.NewNop())

	first := r.GetOrCreate("human-1", []CapabilityPattern{{Kind: "chat"}}, nil)
	second := r.GetOrCreate("human-1", []CapabilityPattern{{Kind: "mcp/request"}}, nil)

	assert.Same(t, first, second, "a second GetOrCreate for the same id must not replace the existing record")
	assert.Equal(t, 1, first.Capabilities().Len())
}

func TestParticipantRegistryConnectedExcludesDisconnected(t *testing.T) {
	r := NewParticipantRegistry(zap.NewNop())
	connected := r.GetOrCreate("human-1", nil, nil)
	connected.Bind(&fakeConnection{})

	r.GetOrCreate("human-2", nil, nil) // stays disconnected

	ids := r.Connected()
	assert.Equal(t, []string{"human-1"}, ids)
}

func TestParticipantRegistryRemove(t *testing.T) {
	r := NewParticipantRegistry(zap.NewNop())
	r.GetOrCreate("human-1", nil, nil)
	r.Remove("human-1")
	assert.Nil(t, r.Get("human-1"))
}
