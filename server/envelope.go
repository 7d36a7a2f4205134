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

// Package server implements the mewgate envelope routing gateway: space
// registries, the capability matcher, the proposal/grant engine, the
// stream sub-protocol, the participant control plane, and the WebSocket
// and HTTP ingress paths described in the gateway specification.
package server

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
)

// Well-known envelope kinds (spec §6). The space router's sub-engine
// dispatch compares most of these for equality; the "mcp/proposal" and
// "participant" families (e.g. "mcp/proposal/*") and the
// Routing.AckOnDeliveryFailure list are matched with KindMatchesPrefix.
const (
	KindSystemWelcome  = "system/welcome"
	KindSystemError    = "system/error"
	KindSystemPresence = "system/presence"

	KindChat           = "chat"
	KindChatAcknowledge = "chat/acknowledge"
	KindChatCancel     = "chat/cancel"

	KindMCPRequest      = "mcp/request"
	KindMCPResponse     = "mcp/response"
	KindMCPNotification = "mcp/notification"

	KindMCPProposal  = "mcp/proposal"
	KindMCPReject    = "mcp/reject"
	KindMCPWithdraw  = "mcp/withdraw"

	KindCapabilityGrant    = "capability/grant"
	KindCapabilityRevoke   = "capability/revoke"
	KindCapabilityGrantAck = "capability/grant-ack"

	KindStreamRequest = "stream/request"
	KindStreamOpen    = "stream/open"
	KindStreamClose   = "stream/close"

	KindReasoningStart      = "reasoning/start"
	KindReasoningThought    = "reasoning/thought"
	KindReasoningConclusion = "reasoning/conclusion"
	KindReasoningCancel     = "reasoning/cancel"

	KindParticipantPause          = "participant/pause"
	KindParticipantResume         = "participant/resume"
	KindParticipantStatus         = "participant/status"
	KindParticipantRequestStatus  = "participant/request-status"
	KindParticipantForget         = "participant/forget"
	KindParticipantCompact        = "participant/compact"
	KindParticipantCompactDone    = "participant/compact-done"
	KindParticipantClear          = "participant/clear"
	KindParticipantRestart        = "participant/restart"
	KindParticipantShutdown       = "participant/shutdown"
)

// ProtocolVersion is the gateway's current wire protocol tag.
const ProtocolVersion = "mew/v0.4"

// ContextOp enumerates the valid operations of a structured Envelope
// context (spec §3).
type ContextOp string

const (
	ContextPush   ContextOp = "push"
	ContextPop    ContextOp = "pop"
	ContextResume ContextOp = "resume"
)

// EnvelopeContext is the structured form of Envelope.Context. A bare
// string context is represented as EnvelopeContext{Topic: value} by the
// codec for callers that only care about the topic.
type EnvelopeContext struct {
	Operation     ContextOp `json:"operation,omitempty"`
	Topic         string    `json:"topic,omitempty"`
	CorrelationID []string  `json:"correlation_id,omitempty"`
}

// Envelope is the universal message unit routed by the gateway (spec
// §3). It is treated as immutable once assembled: the router and its
// sub-engines produce new Envelope values rather than mutating a shared
// one that other goroutines might be reading.
type Envelope struct {
	Protocol      string           `json:"protocol"`
	ID            string           `json:"id"`
	Ts            time.Time        `json:"ts"`
	From          string           `json:"from"`
	To            []string         `json:"to,omitempty"`
	Kind          string           `json:"kind"`
	CorrelationID []string         `json:"correlation_id,omitempty"`
	Context       *EnvelopeContext `json:"context,omitempty"`
	Payload       json.RawMessage  `json:"payload,omitempty"`
}

// NewEnvelope constructs an Envelope with a fresh id and current
// timestamp, ready for the caller to set To/CorrelationID/Context before
// handing it to a Space for admission and routing. From is deliberately
// not a parameter: the router always overwrites it with the
// authenticated sender identity (spec §3 invariant, P1).
func NewEnvelope(kind string, payload interface{}) (*Envelope, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Protocol: ProtocolVersion,
		ID:       uuid.Must(uuid.NewV4()).String(),
		Ts:       time.Now().UTC(),
		Kind:     kind,
		Payload:  raw,
	}, nil
}

func marshalPayload(payload interface{}) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(payload)
}

// UnmarshalPayload decodes the envelope's payload into v.
func (e *Envelope) UnmarshalPayload(v interface{}) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// Clone returns a deep copy of the envelope, safe to mutate without
// affecting any other goroutine holding the original (e.g. the router
// rewriting To/From per recipient fan-out).
func (e *Envelope) Clone() *Envelope {
	clone := *e
	if e.To != nil {
		clone.To = append([]string(nil), e.To...)
	}
	if e.CorrelationID != nil {
		clone.CorrelationID = append([]string(nil), e.CorrelationID...)
	}
	if e.Context != nil {
		ctxCopy := *e.Context
		if e.Context.CorrelationID != nil {
			ctxCopy.CorrelationID = append([]string(nil), e.Context.CorrelationID...)
		}
		clone.Context = &ctxCopy
	}
	if e.Payload != nil {
		clone.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	return &clone
}

// IsBroadcast reports whether the envelope has no explicit recipients,
// meaning it fans out to every other connected participant in the
// space.
func (e *Envelope) IsBroadcast() bool {
	return len(e.To) == 0
}

// HasCorrelation reports whether id appears in the envelope's
// correlation_id list.
func (e *Envelope) HasCorrelation(id string) bool {
	for _, c := range e.CorrelationID {
		if c == id {
			return true
		}
	}
	return false
}

// KindMatchesPrefix reports whether kind is an exact match for prefix or
// falls under prefix's "/*"-style family, e.g. prefix "mcp/proposal"
// matches kinds "mcp/proposal" and "mcp/proposal/anything".
func KindMatchesPrefix(kind, prefix string) bool {
	if kind == prefix {
		return true
	}
	return strings.HasPrefix(kind, prefix+"/")
}

// protocolMajor returns the major-version component of a protocol tag,
// e.g. "mew/v0.4" -> "mew/v0". A tag with no minor component is returned
// unchanged.
func protocolMajor(tag string) string {
	if i := strings.LastIndex(tag, "."); i != -1 {
		return tag[:i]
	}
	return tag
}

// decodeWireEnvelope parses a client-supplied JSON envelope, tolerating
// both the bare-string and structured forms of `context` (spec §3).
// Unknown top-level fields are accepted and ignored unless strict is
// true, per spec §4.A.
func decodeWireEnvelope(data []byte, strict bool) (*Envelope, error) {
	var raw struct {
		Protocol      string          `json:"protocol"`
		ID            string          `json:"id"`
		Ts            *time.Time      `json:"ts"`
		From          string          `json:"from"`
		To            []string        `json:"to"`
		Kind          string          `json:"kind"`
		CorrelationID json.RawMessage `json:"correlation_id"`
		Context       json.RawMessage `json:"context"`
		Payload       json.RawMessage `json:"payload"`
	}

	if strict {
		dec := json.NewDecoder(strings.NewReader(string(data)))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&raw); err != nil {
			return nil, ErrMalformedEnvelope
		}
	} else if err := json.Unmarshal(data, &raw); err != nil {
		return nil, ErrMalformedEnvelope
	}

	if raw.Kind == "" {
		return nil, ErrMalformedEnvelope
	}

	env := &Envelope{
		Protocol: raw.Protocol,
		ID:       raw.ID,
		From:     raw.From,
		To:       raw.To,
		Kind:     raw.Kind,
		Payload:  raw.Payload,
	}
	if raw.Ts != nil {
		env.Ts = *raw.Ts
	}

	if len(raw.CorrelationID) > 0 {
		ids, err := decodeCorrelationID(raw.CorrelationID)
		if err != nil {
			return nil, ErrMalformedEnvelope
		}
		env.CorrelationID = ids
	}

	if len(raw.Context) > 0 {
		ctx, err := decodeContext(raw.Context)
		if err != nil {
			return nil, ErrMalformedEnvelope
		}
		env.Context = ctx
	}

	return env, nil
}

func decodeCorrelationID(raw json.RawMessage) ([]string, error) {
	var asList []string
	if err := json.Unmarshal(raw, &asList); err == nil {
		return asList, nil
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return []string{asString}, nil
	}
	return nil, ErrMalformedEnvelope
}

func decodeContext(raw json.RawMessage) (*EnvelopeContext, error) {
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return &EnvelopeContext{Topic: asString}, nil
	}
	var ctx EnvelopeContext
	if err := json.Unmarshal(raw, &ctx); err != nil {
		return nil, ErrMalformedEnvelope
	}
	return &ctx, nil
}

// encodeWireEnvelope serializes an envelope with sorted object keys so
// history diffs and wire captures are stable across runs (spec §4.A).
// encoding/json emits struct fields in declaration order but map keys in
// sorted order, so the envelope is marshaled once, decoded back into
// generic maps (numbers kept verbatim via UseNumber) and marshaled
// again; this also sorts the keys inside a json.RawMessage payload.
func encodeWireEnvelope(e *Envelope) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	var generic interface{}
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}
