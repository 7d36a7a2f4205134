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
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// Space is one named routing domain (spec §2, §3): the participant
// registry, the capability-scoped router, the propose/fulfill and
// stream sub-engines, and the durable history log all scoped to a
// single space id. A running gateway holds one Space per configured
// space descriptor; spaces never interact with one another.
type Space struct {
	id         string
	descriptor *SpaceDescriptor
	logger     *zap.Logger

	socketCfg   *SocketConfig
	protocolCfg *ProtocolConfig
	routingCfg  *RoutingConfig

	registry  *ParticipantRegistry
	proposals *ProposalRegistry
	streams   *StreamRegistry
	history   *HistoryLogger
	metrics   *Metrics
}

// NewSpace wires together a single space's components, grounding the
// persisted-state layout (spec §6) under dataDir/<space-id>/.
func NewSpace(logger *zap.Logger, cfg Config, descriptor *SpaceDescriptor) (*Space, error) {
	spaceLogger := logger.With(zap.String("space", descriptor.ID))

	historyDir := filepath.Join(cfg.GetDataDir(), descriptor.ID)
	history, err := NewHistoryLogger(spaceLogger, historyDir, cfg.GetHistory())
	if err != nil {
		return nil, err
	}

	s := &Space{
		id:          descriptor.ID,
		descriptor:  descriptor,
		logger:      spaceLogger,
		socketCfg:   cfg.GetSocket(),
		protocolCfg: cfg.GetProtocol(),
		routingCfg:  cfg.GetRouting(),
		registry:    NewParticipantRegistry(spaceLogger),
		proposals:   NewProposalRegistry(spaceLogger, time.Duration(cfg.GetRouting().ProposalTTLSeconds)*time.Second),
		streams:     NewStreamRegistry(),
		history:     history,
		metrics:     NewMetrics(),
	}

	for id, pc := range descriptor.Participants {
		if pc.AutoStart {
			s.registry.GetOrCreate(id, s.capabilitiesFor(pc), map[string]string{"auto_start": "true"})
		}
	}

	s.proposals.Start(s.onProposalExpired)

	return s, nil
}

// ID returns the space's id.
func (s *Space) ID() string { return s.id }

// Metrics returns the space's counters.
func (s *Space) Metrics() *Metrics { return s.metrics }

// Shutdown stops background work and flushes durable state.
func (s *Space) Shutdown() {
	s.proposals.Stop()
	if err := s.history.Close(); err != nil {
		s.logger.Error("Could not close history logger", zap.Error(err))
	}
}

func (s *Space) capabilitiesFor(pc *ParticipantConfig) []CapabilityPattern {
	caps := make([]CapabilityPattern, 0, len(s.descriptor.Defaults.Capabilities)+len(pc.Capabilities))
	caps = append(caps, s.descriptor.Defaults.Capabilities...)
	caps = append(caps, pc.Capabilities...)
	return caps
}

// Join resolves a join token to a participant identity and its initial
// capability set (spec §4.H point 1). The participant record is created
// on first join and reused across reconnects within the grace window.
func (s *Space) Join(token string) (*Participant, *GatewayError) {
	for id, pc := range s.descriptor.Participants {
		for _, t := range pc.Tokens {
			if t == token {
				p := s.registry.GetOrCreate(id, s.capabilitiesFor(pc), map[string]string{})
				return p, nil
			}
		}
	}
	return nil, &GatewayError{Code: CodeInternal, Message: ErrUnknownToken.Error()}
}

// AuthorizesToken reports whether token is one of participantID's
// configured join tokens, the same check Join performs for the
// WebSocket path (spec §4.I: HTTP injection must share the WebSocket's
// authentication, not just its admission pipeline).
func (s *Space) AuthorizesToken(participantID, token string) bool {
	pc, ok := s.descriptor.Participants[participantID]
	if !ok {
		return false
	}
	for _, t := range pc.Tokens {
		if t == token {
			return true
		}
	}
	return false
}

// Welcome builds the system/welcome envelope sent to a participant
// immediately after it binds a connection (spec §4.H point 3).
func (s *Space) Welcome(p *Participant) *Envelope {
	env, err := NewEnvelope(KindSystemWelcome, struct {
		SpaceID      string                `json:"space_id"`
		ParticipantID string               `json:"participant_id"`
		Participants []ParticipantSnapshot `json:"participants"`
		Protocol     string                `json:"protocol"`
	}{
		SpaceID:       s.id,
		ParticipantID: p.ID,
		Participants:  s.registry.Snapshot(),
		Protocol:      ProtocolVersion,
	})
	if err != nil {
		s.logger.Error("Could not build welcome envelope", zap.Error(err))
		return nil
	}
	env.From = "system"
	env.To = []string{p.ID}
	return env
}

// PresenceNotice builds a system/presence envelope announcing a
// participant's join or leave, broadcast to the rest of the space (spec
// §4.H point 4).
func (s *Space) PresenceNotice(participantID string, presence Presence) *Envelope {
	env, err := NewEnvelope(KindSystemPresence, struct {
		ParticipantID string   `json:"participant_id"`
		Presence      Presence `json:"presence"`
	}{ParticipantID: participantID, Presence: presence})
	if err != nil {
		s.logger.Error("Could not build presence envelope", zap.Error(err))
		return nil
	}
	env.From = "system"
	return env
}

// BindConnection attaches a live connection to p and broadcasts its
// presence to the rest of the space.
func (s *Space) BindConnection(p *Participant, conn Connection) {
	p.Bind(conn)
	s.metrics.WebsocketsOpened.Inc()
	if welcome := s.Welcome(p); welcome != nil {
		conn.Enqueue(welcome)
	}
	s.broadcastExcept(s.PresenceNotice(p.ID, PresenceConnected), p.ID)
}

// UnbindConnection detaches p's connection, closes any stream it was
// party to, and broadcasts its disconnect. The participant record
// itself survives for the reconnect grace window (spec §4.H point 5);
// the caller is responsible for eventually calling registry.Remove once
// that window elapses with no reconnect.
func (s *Space) UnbindConnection(p *Participant) {
	p.Unbind()
	s.metrics.WebsocketsClosed.Inc()
	for _, closed := range s.streams.CloseAllFor(p.ID) {
		s.notifyStreamClosed(closed, "participant disconnected")
	}
	s.broadcastExcept(s.PresenceNotice(p.ID, PresenceDisconnected), p.ID)
}

// ReconnectGrace returns the configured reconnect grace window.
func (s *Space) ReconnectGrace() time.Duration {
	return time.Duration(s.socketCfg.ReconnectGraceMs) * time.Millisecond
}

// ExpireIfStillDisconnected removes the participant from the registry
// if it is still disconnected once the grace window has elapsed,
// grounding the "reconnect grace re-attach" decision recorded in
// SPEC_FULL.md §6.
func (s *Space) ExpireIfStillDisconnected(participantID string) {
	p := s.registry.Get(participantID)
	if p == nil {
		return
	}
	if p.Presence() == PresenceDisconnected && p.DisconnectedFor() >= s.ReconnectGrace() {
		s.registry.Remove(participantID)
	}
}

func (s *Space) broadcastExcept(env *Envelope, exclude string) {
	if env == nil {
		return
	}
	for _, id := range s.registry.Connected() {
		if id == exclude && !s.protocolCfg.EchoToSelf {
			continue
		}
		if p := s.registry.Get(id); p != nil {
			if conn := p.Connection(); conn != nil {
				conn.Enqueue(env.Clone())
			}
		}
	}
}

func (s *Space) notifyStreamClosed(stream *Stream, reason string) {
	env, err := NewEnvelope(KindStreamClose, StreamClosePayload{StreamID: stream.ID, Reason: reason})
	if err != nil {
		return
	}
	env.From = "system"
	for _, id := range stream.notifyAudience(s.registry.Connected()) {
		env.To = []string{id}
		if p := s.registry.Get(id); p != nil {
			if conn := p.Connection(); conn != nil {
				conn.Enqueue(env.Clone())
			}
		}
	}
}

func (s *Space) onProposalExpired(p *Proposal) {
	s.metrics.ProposalsExpired.Inc()
	s.history.Record(HistoryRecord{
		Event:      EventFailed,
		EnvelopeID: p.ID,
		From:       p.Proposer,
		Kind:       p.Kind,
		Reason:     "proposal expired",
	})
	if proposer := s.registry.Get(p.Proposer); proposer != nil {
		s.deliverSystemError(proposer, &GatewayError{
			Code:    CodeProposalExpired,
			Message: "proposal expired before fulfillment",
		})
	}
}

// deliverSystemError enqueues a system/error envelope to a single
// participant's live connection, if it has one. HTTP-originated senders
// without a connection instead receive the same GatewayError as their
// HTTP response body (spec §4.I).
func (s *Space) deliverSystemError(to *Participant, gwErr *GatewayError) {
	if to == nil {
		return
	}
	conn := to.Connection()
	if conn == nil {
		return
	}
	env, err := NewEnvelope(KindSystemError, gwErr)
	if err != nil {
		return
	}
	env.From = "system"
	env.To = []string{to.ID}
	conn.Enqueue(env)
}

// IngressStreamFrame authorizes and fans out a raw stream data frame
// (spec §4.F). Frames from a participant not in the stream's authorized
// writer set are dropped with an unauthorized_writer diagnostic.
func (s *Space) IngressStreamFrame(participantID, streamID string, payload []byte) {
	stream := s.streams.Get(streamID)
	sender := s.registry.Get(participantID)
	if stream == nil || stream.Status != StreamOpen {
		if sender != nil {
			s.deliverSystemError(sender, &GatewayError{Code: CodeStreamClosed, Message: "stream is not open"})
		}
		return
	}
	if !stream.canWrite(participantID) {
		if sender != nil {
			s.deliverSystemError(sender, &GatewayError{Code: CodeUnauthorizedWriter, Message: "not an authorized writer for this stream"})
		}
		return
	}
	for _, recipientID := range stream.frameAudience(s.registry.Connected()) {
		p := s.registry.Get(recipientID)
		if p == nil {
			continue
		}
		conn := p.Connection()
		if conn == nil {
			continue
		}
		if !conn.EnqueueFrame(streamID, payload) {
			s.metrics.StreamFramesDropped.Inc()
		}
	}
}
