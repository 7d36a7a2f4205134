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

import "go.uber.org/atomic"

// Metrics holds the lock-free counters exposed for operational
// visibility (spec §3's non-goal on a full metrics pipeline still
// leaves room for in-process counters an operator can log on shutdown
// or poll from a status envelope). Counters use go.uber.org/atomic for
// the same reason Participant.capGeneration does: no mutex required for
// a bare increment/read.
type Metrics struct {
	WebsocketsOpened    atomic.Uint64
	WebsocketsClosed    atomic.Uint64
	EnvelopesRouted     atomic.Uint64
	EnvelopesDropped    atomic.Uint64
	CapabilityDenied    atomic.Uint64
	ProposalsExpired    atomic.Uint64
	StreamsOpened       atomic.Uint64
	StreamFramesDropped atomic.Uint64
}

// NewMetrics creates a zero-valued Metrics.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// Snapshot is a point-in-time, JSON-friendly copy of every counter.
type MetricsSnapshot struct {
	WebsocketsOpened    uint64 `json:"websockets_opened"`
	WebsocketsClosed    uint64 `json:"websockets_closed"`
	EnvelopesRouted     uint64 `json:"envelopes_routed"`
	EnvelopesDropped    uint64 `json:"envelopes_dropped"`
	CapabilityDenied    uint64 `json:"capability_denied"`
	ProposalsExpired    uint64 `json:"proposals_expired"`
	StreamsOpened       uint64 `json:"streams_opened"`
	StreamFramesDropped uint64 `json:"stream_frames_dropped"`
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		WebsocketsOpened:    m.WebsocketsOpened.Load(),
		WebsocketsClosed:    m.WebsocketsClosed.Load(),
		EnvelopesRouted:     m.EnvelopesRouted.Load(),
		EnvelopesDropped:    m.EnvelopesDropped.Load(),
		CapabilityDenied:    m.CapabilityDenied.Load(),
		ProposalsExpired:    m.ProposalsExpired.Load(),
		StreamsOpened:       m.StreamsOpened.Load(),
		StreamFramesDropped: m.StreamFramesDropped.Load(),
	}
}
