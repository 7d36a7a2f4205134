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

import "go.uber.org/zap"

// Connection is the gateway's view of a live participant transport. The
// WebSocket implementation (wsConnection) is the only one shipped, but
// the interface keeps the router and control plane decoupled from
// gorilla/websocket so the HTTP injection path (spec §4.I) can be
// exercised without a socket at all.
type Connection interface {
	Logger() *zap.Logger
	ParticipantID() string
	SpaceID() string

	// Enqueue pushes an envelope onto this connection's bounded outbound
	// queue. It never blocks the caller: on overflow the oldest queued
	// envelope is dropped (spec §4.D point 3) and Enqueue returns false
	// so the router can log the drop.
	Enqueue(envelope *Envelope) (accepted bool)

	// EnqueueFrame pushes a raw stream data frame tagged with streamID.
	// Like Enqueue, it is non-blocking with drop-oldest overflow, but
	// uses the (smaller) stream queue bound (spec §5).
	EnqueueFrame(streamID string, data []byte) (accepted bool)

	Close()
}
