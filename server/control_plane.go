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

// controlPlaneEffect describes a side effect a participant/* envelope
// has on the target participant's own registry state, beyond simply
// being routed to it like any other envelope (spec §4.G). The router
// applies the effect before delivering the envelope itself, so the
// target's presence/pause state is already consistent by the time the
// envelope arrives.
type controlPlaneEffect int

const (
	effectNone controlPlaneEffect = iota
	effectPause
	effectResume
)

// controlPlaneEffectFor maps a participant/* envelope kind to the
// registry-level effect it carries. Kinds with no side effect
// (status, request-status, forget, compact, compact-done, clear,
// restart, shutdown) are routed like ordinary envelopes — they are
// meaningful only to the receiving participant's own application logic,
// not to the gateway's bookkeeping.
func controlPlaneEffectFor(kind string) controlPlaneEffect {
	switch kind {
	case KindParticipantPause:
		return effectPause
	case KindParticipantResume:
		return effectResume
	default:
		return effectNone
	}
}

// applyControlPlaneEffect mutates the target participant's state for
// the given effect. It is the router's job to resolve "target" (the
// envelope's sole `to` entry) before calling this.
func applyControlPlaneEffect(target *Participant, effect controlPlaneEffect) {
	switch effect {
	case effectPause:
		target.SetPaused(true)
		if conn, ok := target.Connection().(interface{ SetPaused(bool) }); ok {
			conn.SetPaused(true)
		}
	case effectResume:
		target.SetPaused(false)
		if conn, ok := target.Connection().(interface{ SetPaused(bool) }); ok {
			conn.SetPaused(false)
		}
	}
}
