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

func newTestProposalRegistry(ttl time.Duration) *ProposalRegistry {
	return NewProposalRegistry(zap.NewNop(), ttl)
}

func TestProposalCreateAndFulfill(t *testing.T) {
	r := newTestProposalRegistry(time.Minute)
	env, err := NewEnvelope(KindMCPProposal, map[string]string{"action": "book_flight"})
	assert.NoError(t, err)
	env.From = "agent-1"

	p := r.Create(env, KindMCPProposal)
	assert.Equal(t, ProposalPending, p.Status)
	assert.Equal(t, "agent-1", p.Proposer)

	request, err := NewEnvelope(KindMCPRequest, nil)
	assert.NoError(t, err)
	request.From = "human-1"
	request.CorrelationID = []string{p.ID}

	fulfilled, ok := r.TryFulfill(p.ID, request)
	assert.True(t, ok)
	assert.Equal(t, ProposalAccepted, fulfilled.Status)
	assert.Equal(t, "human-1", fulfilled.Fulfiller)

	byReq, ok := r.ProposalForRequest(request.ID)
	assert.True(t, ok)
	assert.Equal(t, p.ID, byReq.ID)

	assert.Nil(t, r.Get(p.ID), "fulfilled proposals are removed from the pending table")
}

func TestProposalDuplicateFulfillmentRejected(t *testing.T) {
	r := newTestProposalRegistry(time.Minute)
	env, _ := NewEnvelope(KindMCPProposal, nil)
	env.From = "agent-1"
	p := r.Create(env, KindMCPProposal)

	_, ok := r.Reject(p.ID)
	assert.True(t, ok)

	_, ok = r.Reject(p.ID)
	assert.False(t, ok, "rejecting an already-terminal proposal must fail")

	request, _ := NewEnvelope(KindMCPRequest, nil)
	_, ok = r.TryFulfill(p.ID, request)
	assert.False(t, ok, "fulfilling an already-rejected proposal must fail")
}

func TestProposalWithdraw(t *testing.T) {
	r := newTestProposalRegistry(time.Minute)
	env, _ := NewEnvelope(KindMCPProposal, nil)
	env.From = "agent-1"
	p := r.Create(env, KindMCPProposal)

	withdrawn, ok := r.Withdraw(p.ID)
	assert.True(t, ok)
	assert.Equal(t, ProposalWithdrawn, withdrawn.Status)

	_, ok = r.Withdraw(p.ID)
	assert.False(t, ok)
}

func TestProposalSweepExpires(t *testing.T) {
	r := newTestProposalRegistry(-time.Second) // already expired on creation
	env, _ := NewEnvelope(KindMCPProposal, nil)
	env.From = "agent-1"
	p := r.Create(env, KindMCPProposal)

	expired := r.sweepExpired()
	assert.Len(t, expired, 1)
	assert.Equal(t, p.ID, expired[0].ID)
	assert.Equal(t, ProposalExpired, expired[0].Status)
	assert.Nil(t, r.Get(p.ID))
}

func TestProposalRegistryStartStop(t *testing.T) {
	r := newTestProposalRegistry(time.Hour)
	expiredCh := make(chan *Proposal, 1)
	r.Start(func(p *Proposal) { expiredCh <- p })
	r.Stop()
}

func TestProposalGetUnknownReturnsNil(t *testing.T) {
	r := newTestProposalRegistry(time.Minute)
	assert.Nil(t, r.Get("does-not-exist"))
	_, ok := r.Reject("does-not-exist")
	assert.False(t, ok)
}
