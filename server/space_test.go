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
	"go.uber.org/zap"
)

func newTestSpace(t *testing.T, participants map[string]*ParticipantConfig) *Space {
	t.Helper()
	cfg := NewConfig()
	cfg.DataDir = t.TempDir()
	cfg.Routing.ProposalTTLSeconds = 60

	descriptor := &SpaceDescriptor{
		ID:           "test-space",
		Name:         "Test Space",
		Participants: participants,
		Defaults:     &DefaultsConfig{},
	}

	space, err := NewSpace(zap.NewNop(), cfg, descriptor)
	assert.NoError(t, err)
	t.Cleanup(space.Shutdown)
	return space
}

func connectParticipant(t *testing.T, space *Space, token string) (*Participant, *fakeConnection) {
	t.Helper()
	p, gwErr := space.Join(token)
	assert.Nil(t, gwErr)
	conn := &fakeConnection{}
	space.BindConnection(p, conn)
	conn.enqueued = nil // drop the welcome envelope recorded during bind
	return p, conn
}

func twoPartyDescriptor() map[string]*ParticipantConfig {
	return map[string]*ParticipantConfig{
		"human-1": {
			Tokens: []string{"h1-token"},
			Capabilities: []CapabilityPattern{
				{ID: "chat", Kind: "chat"},
				{ID: "stream-request", Kind: "stream/request"},
				{ID: "stream-close", Kind: "stream/close"},
			},
		},
		"assistant-1": {
			Tokens:       []string{"a1-token"},
			Capabilities: []CapabilityPattern{{ID: "chat", Kind: "chat"}},
		},
	}
}

func TestSpaceRoutesAdmittedEnvelopeToRecipient(t *testing.T) {
	space := newTestSpace(t, twoPartyDescriptor())
	_, humanConn := connectParticipant(t, space, "h1-token")
	_, assistantConn := connectParticipant(t, space, "a1-token")
	_ = humanConn

	raw := []byte(`{"kind":"chat","to":["assistant-1"],"payload":{"text":"hi"}}`)
	gwErr := space.IngressHTTP("human-1", raw)
	assert.Nil(t, gwErr)

	assert.Len(t, assistantConn.enqueued, 1)
	assert.Equal(t, "human-1", assistantConn.enqueued[0].From)
	assert.Equal(t, "chat", assistantConn.enqueued[0].Kind)
}

func TestSpaceDeniesEnvelopeOutsideCapabilities(t *testing.T) {
	space := newTestSpace(t, twoPartyDescriptor())
	connectParticipant(t, space, "h1-token")
	connectParticipant(t, space, "a1-token")

	raw := []byte(`{"kind":"mcp/request","to":["assistant-1"],"payload":{}}`)
	gwErr := space.IngressHTTP("human-1", raw)
	assert.NotNil(t, gwErr)
	assert.Equal(t, CodeCapabilityViolation, gwErr.Code)
}

func TestSpaceOverwritesForgedFromField(t *testing.T) {
	space := newTestSpace(t, twoPartyDescriptor())
	connectParticipant(t, space, "h1-token")
	_, assistantConn := connectParticipant(t, space, "a1-token")

	raw := []byte(`{"kind":"chat","from":"assistant-1","to":["assistant-1"],"payload":{}}`)
	gwErr := space.IngressHTTP("human-1", raw)
	assert.Nil(t, gwErr)

	assert.Len(t, assistantConn.enqueued, 1)
	assert.Equal(t, "human-1", assistantConn.enqueued[0].From, "from is always the authenticated sender, never the wire value")
}

func TestSpaceBroadcastRespectsEchoToSelf(t *testing.T) {
	descriptor := twoPartyDescriptor()
	space := newTestSpace(t, descriptor)
	_, humanConn := connectParticipant(t, space, "h1-token")
	_, assistantConn := connectParticipant(t, space, "a1-token")
	// assistant-1's join broadcast a system/presence notice to human-1;
	// clear it so this test only observes the chat envelope under test.
	humanConn.enqueued = nil
	assistantConn.enqueued = nil

	raw := []byte(`{"kind":"chat","payload":{"text":"hello everyone"}}`)
	gwErr := space.IngressHTTP("human-1", raw)
	assert.Nil(t, gwErr)

	assert.Len(t, assistantConn.enqueued, 1)
	assert.Empty(t, humanConn.enqueued, "EchoToSelf defaults to false")
}

func TestSpaceStreamRequestComputesOwnAuthorization(t *testing.T) {
	space := newTestSpace(t, twoPartyDescriptor())
	_, humanConn := connectParticipant(t, space, "h1-token")
	_, assistantConn := connectParticipant(t, space, "a1-token")
	humanConn.enqueued = nil
	assistantConn.enqueued = nil

	// direction: download with target: ["assistant-1"] means human-1
	// wants to read from assistant-1, so assistant-1 (not human-1) ends
	// up the authorized writer (spec §4.F). owner/authorized_writers in
	// the payload are never part of the real shape and are ignored.
	raw := []byte(`{"kind":"stream/request","payload":{"direction":"download","target":["assistant-1"],"owner":"human-1","authorized_writers":["human-1","eavesdropper"]}}`)
	gwErr := space.IngressHTTP("human-1", raw)
	assert.Nil(t, gwErr)

	assert.Len(t, humanConn.enqueued, 1)
	assert.Len(t, assistantConn.enqueued, 1)

	var payload StreamOpenPayload
	assert.NoError(t, humanConn.enqueued[0].UnmarshalPayload(&payload))
	assert.ElementsMatch(t, []string{"assistant-1"}, payload.AuthorizedWriters, "client-supplied authorized_writers must be ignored")
	assert.Equal(t, "human-1", payload.Owner)
}

func TestSpaceStreamFrameRejectsUnauthorizedWriter(t *testing.T) {
	space := newTestSpace(t, twoPartyDescriptor())
	_, humanConn := connectParticipant(t, space, "h1-token")
	_, assistantConn := connectParticipant(t, space, "a1-token")
	humanConn.enqueued = nil
	assistantConn.enqueued = nil

	// download from assistant-1: assistant-1 is the authorized writer,
	// human-1 (the requester) is not.
	raw := []byte(`{"kind":"stream/request","payload":{"direction":"download","target":["assistant-1"]}}`)
	assert.Nil(t, space.IngressHTTP("human-1", raw))

	var opened StreamOpenPayload
	assert.NoError(t, humanConn.enqueued[0].UnmarshalPayload(&opened))
	humanConn.enqueued = nil
	assistantConn.enqueued = nil

	space.IngressStreamFrame("assistant-1", opened.StreamID, []byte("frame-data"))
	assert.Len(t, humanConn.enqueued, 0, "stream frames bypass the JSON envelope queue")

	space.IngressStreamFrame("human-1", opened.StreamID, []byte("frame-data"))
	if assert.Len(t, humanConn.enqueued, 1, "an unauthorized writer gets a diagnostic back") {
		assert.Equal(t, KindSystemError, humanConn.enqueued[0].Kind)
		var diag GatewayError
		assert.NoError(t, humanConn.enqueued[0].UnmarshalPayload(&diag))
		assert.Equal(t, CodeUnauthorizedWriter, diag.Code)
	}
}

func TestSpaceCapabilityGrantAndRevokeRoundTrip(t *testing.T) {
	descriptor := map[string]*ParticipantConfig{
		"granter": {
			Tokens: []string{"granter-token"},
			Capabilities: []CapabilityPattern{
				{Kind: KindCapabilityGrant, To: mustJSON(t, []string{"agent-1"})},
				{Kind: KindCapabilityRevoke, To: mustJSON(t, []string{"agent-1"})},
			},
		},
		"agent-1": {
			Tokens:       []string{"agent-token"},
			Capabilities: []CapabilityPattern{{Kind: "chat"}},
		},
	}
	space := newTestSpace(t, descriptor)
	connectParticipant(t, space, "granter-token")
	agent, _ := connectParticipant(t, space, "agent-token")

	assert.Equal(t, 1, agent.Capabilities().Len())

	grantPayload, err := json.Marshal(GrantPayload{
		GrantID:      "grant-1",
		Recipient:    "agent-1",
		Capabilities: []CapabilityPattern{{ID: "grant-1", Kind: "mcp/request"}},
	})
	assert.NoError(t, err)
	raw := buildEnvelopeJSON("capability/grant", []string{"agent-1"}, grantPayload)
	gwErr := space.IngressHTTP("granter", raw)
	assert.Nil(t, gwErr)
	assert.Equal(t, 2, agent.Capabilities().Len())

	_, ok := agent.Capabilities().Admit("mcp/request", nil, nil)
	assert.True(t, ok)

	revokePayload, err := json.Marshal(RevokePayload{GrantID: "grant-1", Recipient: "agent-1"})
	assert.NoError(t, err)
	raw = buildEnvelopeJSON("capability/revoke", []string{"agent-1"}, revokePayload)
	gwErr = space.IngressHTTP("granter", raw)
	assert.Nil(t, gwErr)
	assert.Equal(t, 1, agent.Capabilities().Len())

	_, ok = agent.Capabilities().Admit("mcp/request", nil, nil)
	assert.False(t, ok)
}

func TestSpaceUnauthorizedGranterIsDenied(t *testing.T) {
	// granter's capability/grant meta-capability only covers granting to
	// "decoy", so a top-level envelope addressed to "decoy" is admitted,
	// but the GrantPayload naming "agent-1" as the real recipient must
	// still be refused: authorizeGrant checks payload.Recipient, not the
	// envelope's own `to`, closing the gap between the two (spec §4.E).
	descriptor := map[string]*ParticipantConfig{
		"granter": {
			Tokens: []string{"granter-token"},
			Capabilities: []CapabilityPattern{
				{Kind: "chat"},
				{Kind: KindCapabilityGrant, To: mustJSON(t, []string{"decoy"})},
			},
		},
		"agent-1": {
			Tokens:       []string{"agent-token"},
			Capabilities: []CapabilityPattern{{Kind: "chat"}},
		},
	}
	space := newTestSpace(t, descriptor)
	connectParticipant(t, space, "granter-token")
	agent, _ := connectParticipant(t, space, "agent-token")

	grantPayload, _ := json.Marshal(GrantPayload{
		Recipient:    "agent-1",
		Capabilities: []CapabilityPattern{{Kind: "mcp/request"}},
	})
	raw := buildEnvelopeJSON("capability/grant", []string{"decoy"}, grantPayload)
	gwErr := space.IngressHTTP("granter", raw)
	assert.NotNil(t, gwErr)
	assert.Equal(t, CodeUnauthorizedGrant, gwErr.Code)
	assert.Equal(t, 1, agent.Capabilities().Len(), "denied grant must not mutate the recipient")
}

// TestSpaceProposalFulfillmentForwardsResponseToProposer exercises spec
// §4.E end to end: a proposer's mcp/proposal is fulfilled by a trusted
// participant's mcp/request (correlated to the proposal id), and the
// tool-server's mcp/response to that request — correlated only to the
// request id, which the tool-server never learns is tied to a proposal
// — still reaches the original proposer alongside its addressed
// recipient.
func TestSpaceProposalFulfillmentForwardsResponseToProposer(t *testing.T) {
	descriptor := map[string]*ParticipantConfig{
		"human-1": {
			Tokens:       []string{"h1-token"},
			Capabilities: []CapabilityPattern{{Kind: KindMCPProposal}},
		},
		"agent-1": {
			Tokens:       []string{"agent-token"},
			Capabilities: []CapabilityPattern{{Kind: KindMCPRequest}},
		},
		"tool-server": {
			Tokens:       []string{"tool-token"},
			Capabilities: []CapabilityPattern{{Kind: KindMCPResponse}},
		},
	}
	space := newTestSpace(t, descriptor)
	_, humanConn := connectParticipant(t, space, "h1-token")
	_, agentConn := connectParticipant(t, space, "agent-token")
	_, toolConn := connectParticipant(t, space, "tool-token")
	humanConn.enqueued = nil
	toolConn.enqueued = nil

	proposalEnv, err := NewEnvelope(KindMCPProposal, map[string]string{"action": "book_flight"})
	assert.NoError(t, err)
	proposalEnv.To = []string{"agent-1"}
	humanParticipant := space.registry.Get("human-1")
	gwErr := space.processEnvelope(humanParticipant, proposalEnv)
	assert.Nil(t, gwErr)

	proposal := space.proposals.Get(proposalEnv.ID)
	assert.NotNil(t, proposal)
	assert.Equal(t, "human-1", proposal.Proposer)
	agentConn.enqueued = nil // the proposal itself, addressed to agent-1

	requestEnv, err := NewEnvelope(KindMCPRequest, map[string]string{"method": "tools/call"})
	assert.NoError(t, err)
	requestEnv.To = []string{"tool-server"}
	requestEnv.CorrelationID = []string{proposal.ID}
	agentParticipant := space.registry.Get("agent-1")
	gwErr = space.processEnvelope(agentParticipant, requestEnv)
	assert.Nil(t, gwErr)

	assert.Nil(t, space.proposals.Get(proposal.ID), "proposal must leave the pending table once fulfilled")
	byReq, ok := space.proposals.ProposalForRequest(requestEnv.ID)
	assert.True(t, ok)
	assert.Equal(t, proposal.ID, byReq.ID)
	toolConn.enqueued = nil // the request itself, addressed to tool-server

	responseEnv, err := NewEnvelope(KindMCPResponse, map[string]string{"result": "booked"})
	assert.NoError(t, err)
	responseEnv.To = []string{"agent-1"}
	responseEnv.CorrelationID = []string{requestEnv.ID}
	toolParticipant := space.registry.Get("tool-server")
	gwErr = space.processEnvelope(toolParticipant, responseEnv)
	assert.Nil(t, gwErr)

	assert.Len(t, agentConn.enqueued, 1, "the addressed recipient still gets the response")
	assert.Len(t, humanConn.enqueued, 1, "the original proposer gets it too, though never addressed")
	assert.Equal(t, KindMCPResponse, humanConn.enqueued[0].Kind)
}

func mustJSON(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	assert.NoError(t, err)
	return data
}

// buildEnvelopeJSON assembles a wire envelope whose payload is an
// already-marshaled JSON object, avoiding a double-encode of payload.
func buildEnvelopeJSON(kind string, to []string, payload json.RawMessage) []byte {
	envelope := struct {
		Kind    string          `json:"kind"`
		To      []string        `json:"to"`
		Payload json.RawMessage `json:"payload"`
	}{Kind: kind, To: to, Payload: payload}
	data, _ := json.Marshal(envelope)
	return data
}
