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
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

// Ingress decodes and processes one inbound frame from participantID's
// WebSocket connection. Any resulting diagnostic is delivered back to
// the sender's own connection as a system/error envelope; the WebSocket
// read loop has no separate error channel to report through (spec
// §4.H).
func (s *Space) Ingress(participantID string, raw []byte) {
	gwErr := s.IngressHTTP(participantID, raw)
	if gwErr != nil {
		if sender := s.registry.Get(participantID); sender != nil {
			s.deliverSystemError(sender, gwErr)
		}
	}
}

// IngressHTTP runs the same admission-and-routing pipeline as Ingress
// but returns the resulting GatewayError (if any) directly, so the HTTP
// injection endpoint (spec §4.I) can map it to a 403 response body
// instead of pushing it over a socket the caller does not have.
func (s *Space) IngressHTTP(participantID string, raw []byte) *GatewayError {
	sender := s.registry.Get(participantID)
	if sender == nil {
		return &GatewayError{Code: CodeInternal, Message: ErrParticipantNotFound.Error()}
	}

	env, err := decodeWireEnvelope(raw, s.protocolCfg.StrictUnknownField)
	if err != nil {
		s.history.Record(HistoryRecord{Event: EventFailed, From: participantID, Kind: "unknown", Reason: "malformed envelope"})
		return &GatewayError{Code: CodeMalformedEnvelope, Message: err.Error()}
	}

	return s.processEnvelope(sender, env)
}

// processEnvelope is the admission pipeline shared by every ingress
// path (spec §4, §5): overwrite trust-sensitive fields, serialize
// admission per sender, check capabilities, run any sub-engine side
// effects, then route.
func (s *Space) processEnvelope(sender *Participant, env *Envelope) *GatewayError {
	if !s.acceptsProtocol(env.Protocol) {
		return &GatewayError{Code: CodeUnknownProtocol, Message: ErrUnknownProtocol.Error() + ": " + env.Protocol}
	}

	// from is always the authenticated sender's identity, never what the
	// client put on the wire (spec P1, Scenario E).
	env.From = sender.ID
	if env.ID == "" {
		env.ID = uuid.Must(uuid.NewV4()).String()
	}
	if env.Ts.IsZero() {
		env.Ts = time.Now().UTC()
	}
	env.Protocol = ProtocolVersion

	sender.inboundLock()
	defer sender.inboundUnlock()

	snapshot := sender.Capabilities()

	s.history.Record(HistoryRecord{
		Event:         EventReceived,
		EnvelopeID:    env.ID,
		From:          env.From,
		Kind:          env.Kind,
		CorrelationID: env.CorrelationID,
	})

	capID, admitted := snapshot.Admit(env.Kind, env.To, env.Payload)
	s.history.RecordDecision(CapabilityDecisionRecord{
		EnvelopeID:   env.ID,
		From:         env.From,
		Kind:         env.Kind,
		Granted:      admitted,
		CapabilityID: capID,
	})
	if !admitted {
		s.metrics.CapabilityDenied.Inc()
		return &GatewayError{
			Code:          CodeCapabilityViolation,
			Message:       "no capability admits this envelope",
			AttemptedKind: env.Kind,
			CapabilityIDs: snapshot.IDs(),
		}
	}

	handled, gwErr := s.applySubEngines(sender, env)
	if gwErr != nil {
		return gwErr
	}
	if !handled {
		s.deliver(sender, env)
	}
	return nil
}

// acceptsProtocol reports whether tag is a protocol version the space
// will admit (spec §3 invariant): an absent tag defaults to the current
// version, the current major version is always accepted regardless of
// minor, and anything else must appear verbatim in the space's
// configured legacy allow-list.
func (s *Space) acceptsProtocol(tag string) bool {
	if tag == "" || tag == ProtocolVersion {
		return true
	}
	if protocolMajor(tag) == protocolMajor(ProtocolVersion) {
		return true
	}
	for _, accepted := range s.protocolCfg.AcceptedVersions {
		if tag == accepted {
			return true
		}
	}
	return false
}

// applySubEngines dispatches to the propose/fulfill, capability
// grant/revoke, stream and control-plane engines before the envelope is
// routed to its recipients (spec §4.E, §4.F, §4.G). Most kinds fall
// straight through to ordinary routing (handled=false); stream/request
// is fully handled here since it synthesizes stream/open itself instead
// of routing the original envelope.
func (s *Space) applySubEngines(sender *Participant, env *Envelope) (handled bool, gwErr *GatewayError) {
	switch {
	case KindMatchesPrefix(env.Kind, KindMCPProposal):
		s.proposals.Create(env, env.Kind)

	case env.Kind == KindMCPReject:
		var ref ProposalReferencePayload
		if err := env.UnmarshalPayload(&ref); err == nil {
			if _, ok := s.proposals.Reject(ref.ProposalID); !ok {
				return false, &GatewayError{Code: CodeDuplicateFulfill, Message: "proposal is unknown or already terminal"}
			}
		}

	case env.Kind == KindMCPWithdraw:
		var ref ProposalReferencePayload
		if err := env.UnmarshalPayload(&ref); err == nil {
			proposal := s.proposals.Get(ref.ProposalID)
			if proposal != nil && proposal.Proposer != sender.ID {
				return false, &GatewayError{Code: CodeCapabilityViolation, Message: "only the proposer may withdraw a proposal"}
			}
			if _, ok := s.proposals.Withdraw(ref.ProposalID); !ok {
				return false, &GatewayError{Code: CodeDuplicateFulfill, Message: "proposal is unknown or already terminal"}
			}
		}

	case env.Kind == KindMCPRequest:
		for _, corr := range env.CorrelationID {
			if proposal := s.proposals.Get(corr); proposal != nil {
				s.proposals.TryFulfill(corr, env)
				break
			}
		}

	case env.Kind == KindCapabilityGrant:
		var payload GrantPayload
		if err := env.UnmarshalPayload(&payload); err != nil {
			return false, &GatewayError{Code: CodeMalformedEnvelope, Message: err.Error()}
		}
		if !authorizeGrant(sender, payload) {
			return false, &GatewayError{Code: CodeUnauthorizedGrant, Message: "sender does not hold the capability/grant meta-capability for this grant"}
		}
		recipient := s.registry.Get(payload.Recipient)
		if recipient == nil {
			return false, &GatewayError{Code: CodeInternal, Message: ErrParticipantNotFound.Error()}
		}
		granted := make([]CapabilityPattern, len(payload.Capabilities))
		copy(granted, payload.Capabilities)
		if payload.GrantID != "" {
			for i := range granted {
				granted[i].ID = payload.GrantID
			}
		}
		recipient.Grant(granted)

	case env.Kind == KindCapabilityRevoke:
		var payload RevokePayload
		if err := env.UnmarshalPayload(&payload); err != nil {
			return false, &GatewayError{Code: CodeMalformedEnvelope, Message: err.Error()}
		}
		if !authorizeRevoke(sender, payload) {
			return false, &GatewayError{Code: CodeUnauthorizedGrant, Message: "sender does not hold the capability/revoke meta-capability for this revoke"}
		}
		recipient := s.registry.Get(payload.Recipient)
		if recipient == nil {
			return false, &GatewayError{Code: CodeInternal, Message: ErrParticipantNotFound.Error()}
		}
		recipient.Revoke(payload.GrantID, payload.Capabilities)

	case env.Kind == KindStreamRequest:
		var payload StreamRequestPayload
		if err := env.UnmarshalPayload(&payload); err != nil {
			return false, &GatewayError{Code: CodeMalformedEnvelope, Message: err.Error()}
		}
		for _, target := range payload.Target {
			if s.registry.Get(target) == nil {
				return false, &GatewayError{Code: CodeInternal, Message: ErrParticipantNotFound.Error()}
			}
		}
		stream := s.streams.Open(sender.ID, payload.Direction, payload.Target)
		s.metrics.StreamsOpened.Inc()
		s.emitStreamOpen(stream)
		return true, nil

	case env.Kind == KindStreamClose:
		var payload StreamClosePayload
		if err := env.UnmarshalPayload(&payload); err != nil {
			return false, &GatewayError{Code: CodeMalformedEnvelope, Message: err.Error()}
		}
		stream, ok := s.streams.Close(payload.StreamID)
		if !ok {
			return false, &GatewayError{Code: CodeStreamClosed, Message: "stream is unknown or already closed"}
		}
		env.To = stream.notifyAudience(s.registry.Connected())

	case KindMatchesPrefix(env.Kind, "participant"):
		if len(env.To) == 1 {
			if target := s.registry.Get(env.To[0]); target != nil {
				applyControlPlaneEffect(target, controlPlaneEffectFor(env.Kind))
			}
		}
	}

	return false, nil
}

// emitStreamOpen synthesizes and delivers the stream/open envelope to
// the stream's audience (spec §4.F: the target set when targeted, the
// whole space when broadcast), bypassing ordinary recipient resolution
// since its authorized_writers are server-computed, not client-supplied
// (spec Scenario E).
func (s *Space) emitStreamOpen(stream *Stream) {
	for _, id := range stream.notifyAudience(s.registry.Connected()) {
		env, err := NewEnvelope(KindStreamOpen, StreamOpenPayload{
			StreamID:          stream.ID,
			Owner:             stream.Owner,
			Direction:         stream.Direction,
			AuthorizedWriters: stream.AuthorizedWriters,
			Target:            stream.Target,
		})
		if err != nil {
			s.logger.Error("Could not build stream/open envelope", zap.Error(err))
			continue
		}
		env.From = "system"
		env.To = []string{id}
		if p := s.registry.Get(id); p != nil {
			if conn := p.Connection(); conn != nil {
				conn.Enqueue(env)
			}
		}
	}
}

// deliver resolves the recipient set for an admitted envelope and fans
// it out, recording delivered/failed/dropped history for each recipient
// (spec §4.D). Every recipient gets its own clone so one connection's
// queue cannot observe another's mutation of a shared envelope value.
func (s *Space) deliver(sender *Participant, env *Envelope) {
	recipients := s.resolveRecipients(sender, env)

	for _, id := range recipients {
		p := s.registry.Get(id)
		if p == nil || p.Connection() == nil {
			s.history.Record(HistoryRecord{Event: EventFailed, EnvelopeID: env.ID, From: env.From, To: id, Kind: env.Kind})
			if s.ackRequiredFor(env.Kind) {
				s.deliverSystemError(sender, &GatewayError{Code: CodeDeliveryFailed, Message: "recipient " + id + " is not connected", AttemptedKind: env.Kind})
			}
			continue
		}
		if p.Connection().Enqueue(env.Clone()) {
			s.history.Record(HistoryRecord{Event: EventDelivered, EnvelopeID: env.ID, From: env.From, To: id, Kind: env.Kind})
			s.metrics.EnvelopesRouted.Inc()
		} else {
			s.history.Record(HistoryRecord{Event: EventDropped, EnvelopeID: env.ID, From: env.From, To: id, Kind: env.Kind, Reason: "outbound queue overflow"})
			s.metrics.EnvelopesDropped.Inc()
		}
	}
}

// resolveRecipients computes the final recipient set for env: its
// explicit `to` list when present, extended with the original proposer
// when env is an mcp/response fulfilling a tracked proposal request, or
// every connected participant (broadcast) otherwise.
func (s *Space) resolveRecipients(sender *Participant, env *Envelope) []string {
	var recipients []string

	if len(env.To) > 0 {
		recipients = append(recipients, env.To...)
	} else {
		for _, id := range s.registry.Connected() {
			if id == sender.ID && !s.protocolCfg.EchoToSelf {
				continue
			}
			recipients = append(recipients, id)
		}
	}

	if env.Kind == KindMCPResponse {
		for _, corr := range env.CorrelationID {
			if proposal, ok := s.proposals.ProposalForRequest(corr); ok && !containsString(recipients, proposal.Proposer) {
				recipients = append(recipients, proposal.Proposer)
			}
		}
	}

	return recipients
}

func containsString(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}

// ackRequiredFor reports whether a delivery failure for this kind
// should be reflected back to the sender as a delivery_failed
// diagnostic, per the space's configured Routing.AckOnDeliveryFailure
// kind-family list (spec §6 supplemental feature).
func (s *Space) ackRequiredFor(kind string) bool {
	for _, prefix := range s.routingCfg.AckOnDeliveryFailure {
		if KindMatchesPrefix(kind, prefix) {
			return true
		}
	}
	return false
}
