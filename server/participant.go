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
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Presence is a participant's connection state (spec §3).
type Presence string

const (
	PresenceConnected    Presence = "connected"
	PresencePaused       Presence = "paused"
	PresenceDisconnected Presence = "disconnected"
)

// Participant is an addressable identity inside a space, bound to a
// live Connection (or, during the reconnect grace window, to none).
// Capabilities are swapped atomically by grant/revoke so a concurrent
// admission check never observes a torn read (spec §3 Ownership).
type Participant struct {
	ID       string
	Metadata map[string]string

	mu            sync.RWMutex
	capabilities  CapabilityMatcher
	capGeneration *atomic.Uint64
	presence      Presence
	conn          Connection
	inboundMu     sync.Mutex // serializes admission per sender (spec §5)

	disconnectedAt time.Time
}

// NewParticipant creates a participant record with its initial
// capability set, not yet bound to a connection.
func NewParticipant(id string, capabilities []CapabilityPattern, metadata map[string]string) *Participant {
	return &Participant{
		ID:            id,
		Metadata:      metadata,
		capabilities:  NewCapabilityMatcher(capabilities),
		capGeneration: atomic.NewUint64(0),
		presence:      PresenceDisconnected,
	}
}

// Capabilities returns a snapshot of the participant's current
// capability matcher. The matcher value itself is immutable, so callers
// may use it after the registry lock (if any) has been released without
// risking contention with a concurrent grant/revoke (spec §3 Ownership).
func (p *Participant) Capabilities() CapabilityMatcher {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.capabilities
}

// Generation returns a counter bumped on every grant/revoke, letting a
// caller that cached a capability snapshot cheaply detect staleness.
func (p *Participant) Generation() uint64 {
	return p.capGeneration.Load()
}

// Grant appends patterns to the participant's capability set.
func (p *Participant) Grant(patterns []CapabilityPattern) {
	p.mu.Lock()
	p.capabilities = p.capabilities.WithGranted(patterns)
	p.mu.Unlock()
	p.capGeneration.Inc()
}

// Revoke removes capabilities matching grantID (if set) or patterns.
func (p *Participant) Revoke(grantID string, patterns []CapabilityPattern) {
	p.mu.Lock()
	p.capabilities = p.capabilities.WithRevoked(grantID, patterns)
	p.mu.Unlock()
	p.capGeneration.Inc()
}

// Presence returns the participant's current connection state.
func (p *Participant) Presence() Presence {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.presence
}

// Connection returns the live connection bound to this participant, or
// nil if it is disconnected (including during the reconnect grace
// window).
func (p *Participant) Connection() Connection {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.conn
}

// Bind attaches a live connection and marks the participant connected.
func (p *Participant) Bind(conn Connection) {
	p.mu.Lock()
	p.conn = conn
	p.presence = PresenceConnected
	p.disconnectedAt = time.Time{}
	p.mu.Unlock()
}

// Unbind detaches the connection and marks the participant
// disconnected, recording the time so the registry can enforce the
// reconnect grace window (spec §4.H point 5).
func (p *Participant) Unbind() {
	p.mu.Lock()
	p.conn = nil
	p.presence = PresenceDisconnected
	p.disconnectedAt = time.Now()
	p.mu.Unlock()
}

// SetPaused toggles the pause/resume control-plane state (spec §4.G).
// Pausing does not drop the connection; it only affects whether the
// router continues delivering envelopes to it.
func (p *Participant) SetPaused(paused bool) {
	p.mu.Lock()
	if paused {
		p.presence = PresencePaused
	} else if p.conn != nil {
		p.presence = PresenceConnected
	}
	p.mu.Unlock()
}

// DisconnectedFor reports how long the participant has been
// disconnected, for reconnect-grace comparisons.
func (p *Participant) DisconnectedFor() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.presence != PresenceDisconnected || p.disconnectedAt.IsZero() {
		return 0
	}
	return time.Since(p.disconnectedAt)
}

// inboundLock/inboundUnlock serialize admission of envelopes from a
// single sender so that a capability mutation (grant/revoke) from that
// same sender's own next envelope always happens after the prior
// envelope was admitted, never interleaved (spec §5 "Inbound admission
// is serialized per sender").
func (p *Participant) inboundLock()   { p.inboundMu.Lock() }
func (p *Participant) inboundUnlock() { p.inboundMu.Unlock() }

// ParticipantRegistry tracks every participant currently known to a
// space, keyed by participant id (spec §3, §4.C). It is the sole owner
// of participant state for its space's lifetime (spec §3 Ownership).
type ParticipantRegistry struct {
	logger *zap.Logger

	mu           sync.RWMutex
	participants map[string]*Participant
}

// NewParticipantRegistry creates an empty registry.
func NewParticipantRegistry(logger *zap.Logger) *ParticipantRegistry {
	return &ParticipantRegistry{
		logger:       logger,
		participants: make(map[string]*Participant),
	}
}

// GetOrCreate returns the existing participant record for id, or
// creates one with the given initial capabilities if this is the first
// time id has been seen in this space.
func (r *ParticipantRegistry) GetOrCreate(id string, capabilities []CapabilityPattern, metadata map[string]string) *Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.participants[id]; ok {
		return p
	}
	p := NewParticipant(id, capabilities, metadata)
	r.participants[id] = p
	return p
}

// Get returns the participant record for id, or nil.
func (r *ParticipantRegistry) Get(id string) *Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.participants[id]
}

// Remove deletes a participant's record entirely (used after the
// reconnect grace window elapses with no reconnect).
func (r *ParticipantRegistry) Remove(id string) {
	r.mu.Lock()
	delete(r.participants, id)
	r.mu.Unlock()
}

// Connected returns the ids of every participant currently bound to a
// live connection (i.e. connected or paused, not disconnected), used by
// the router to resolve a broadcast recipient set (spec §4.D).
func (r *ParticipantRegistry) Connected() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.participants))
	for id, p := range r.participants {
		if p.Presence() != PresenceDisconnected {
			ids = append(ids, id)
		}
	}
	return ids
}

// Snapshot returns a lightweight descriptor of every known participant,
// used to build the system/welcome envelope (spec §4.H point 3).
type ParticipantSnapshot struct {
	ID       string   `json:"id"`
	Presence Presence `json:"presence"`
}

func (r *ParticipantRegistry) Snapshot() []ParticipantSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ParticipantSnapshot, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, ParticipantSnapshot{ID: p.ID, Presence: p.Presence()})
	}
	return out
}
