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

// Package runtime is the in-process SDK for non-gateway participants:
// humans, agents, and tool-servers that speak the mewgate wire protocol
// over a single WebSocket connection. It owns connect/join/reconnect,
// request/response correlation, and the inbound tool-handler dispatch
// described for the participant side of the protocol.
package runtime

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Well-known envelope kinds the runtime emits or dispatches on. Kept in
// lockstep with the gateway's own kind table; the runtime never imports
// the gateway's server package, so the strings are duplicated rather
// than shared.
const (
	KindSystemWelcome  = "system/welcome"
	KindSystemError    = "system/error"
	KindSystemPresence = "system/presence"

	KindChat = "chat"

	KindMCPRequest      = "mcp/request"
	KindMCPResponse     = "mcp/response"
	KindMCPNotification = "mcp/notification"

	KindMCPProposal = "mcp/proposal"
	KindMCPReject   = "mcp/reject"
	KindMCPWithdraw = "mcp/withdraw"

	KindReasoningStart      = "reasoning/start"
	KindReasoningThought    = "reasoning/thought"
	KindReasoningConclusion = "reasoning/conclusion"

	KindStreamRequest = "stream/request"
	KindStreamOpen    = "stream/open"
	KindStreamClose   = "stream/close"
)

// ProtocolVersion is the wire protocol tag this runtime speaks.
const ProtocolVersion = "mew/v0.4"

// Envelope mirrors the gateway's wire envelope (spec §3). The runtime
// keeps its own copy of the shape instead of importing server.Envelope
// so that a participant program never has to pull in the gateway's
// routing internals for a single struct.
type Envelope struct {
	Protocol      string          `json:"protocol"`
	ID            string          `json:"id"`
	Ts            time.Time       `json:"ts"`
	From          string          `json:"from"`
	To            []string        `json:"to,omitempty"`
	Kind          string          `json:"kind"`
	CorrelationID []string        `json:"correlation_id,omitempty"`
	Context       json.RawMessage `json:"context,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// newEnvelope builds an outbound envelope with a fresh client-assigned
// id. The gateway overwrites From unconditionally on admission (spec
// P1); the id the client assigns here is what later arrives back as a
// response's correlation_id, so it still matters for local correlation
// bookkeeping even though the gateway never trusts it for identity.
func newEnvelope(kind string, to []string, payload interface{}) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	if payload == nil {
		raw = nil
	}
	return &Envelope{
		Protocol: ProtocolVersion,
		ID:       uuid.NewString(),
		Ts:       time.Now().UTC(),
		Kind:     kind,
		To:       to,
		Payload:  raw,
	}, nil
}

// UnmarshalPayload decodes the envelope's payload into v.
func (e *Envelope) UnmarshalPayload(v interface{}) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// KindMatchesPrefix mirrors the gateway's own prefix-family matching
// (spec §3) for participant code that filters envelopes by kind family
// (e.g. "reasoning" matches every reasoning/* kind). Client.Handle does
// not use it: tool handlers are looked up by exact method.
func KindMatchesPrefix(kind, prefix string) bool {
	if kind == prefix {
		return true
	}
	return strings.HasPrefix(kind, prefix+"/")
}
