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

	"go.uber.org/zap"
)

// ProposalStatus is a proposal's position in its state machine (spec
// §4.E).
type ProposalStatus string

const (
	ProposalPending   ProposalStatus = "pending"
	ProposalAccepted  ProposalStatus = "accepted"
	ProposalRejected  ProposalStatus = "rejected"
	ProposalWithdrawn ProposalStatus = "withdrawn"
	ProposalExpired   ProposalStatus = "expired"
)

// Proposal tracks one mcp/proposal envelope from creation through its
// terminal state (spec §4.E). FulfillingRequestID is set the moment a
// trusted participant's mcp/request carries the proposal's id in its
// correlation_id, so a later mcp/response correlated to that request can
// be forwarded on to the original proposer as well as its addressed
// recipient.
type Proposal struct {
	ID        string
	Proposer  string
	Kind      string
	Envelope  *Envelope
	Status    ProposalStatus
	CreatedAt time.Time
	ExpiresAt time.Time

	FulfillingRequestID string
	Fulfiller           string
}

// ProposalRegistry implements the propose/fulfill half of the capability
// model (spec §4.E). It is owned exclusively by its Space; the registry
// itself only tracks state transitions, the Space's router performs all
// envelope delivery.
type ProposalRegistry struct {
	logger *zap.Logger
	ttl    time.Duration

	mu        sync.Mutex
	proposals map[string]*Proposal
	byRequest map[string]*Proposal // fulfilling request envelope id -> proposal

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// NewProposalRegistry creates an empty registry. Its background TTL
// sweeper (spec §9 "background TTL sweepers keyed by id") runs only once
// Start is called.
func NewProposalRegistry(logger *zap.Logger, ttl time.Duration) *ProposalRegistry {
	r := &ProposalRegistry{
		logger:    logger,
		ttl:       ttl,
		proposals: make(map[string]*Proposal),
		byRequest: make(map[string]*Proposal),
		sweepStop: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	return r
}

// Start launches the sweep loop, invoking onExpire for every proposal
// that crosses its TTL so the caller (Space) can emit the corresponding
// mcp/reject-equivalent diagnostic and history record.
func (r *ProposalRegistry) Start(onExpire func(*Proposal)) {
	go func() {
		defer close(r.sweepDone)
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				for _, p := range r.sweepExpired() {
					onExpire(p)
				}
			case <-r.sweepStop:
				return
			}
		}
	}()
}

// Stop halts the sweeper.
func (r *ProposalRegistry) Stop() {
	close(r.sweepStop)
	<-r.sweepDone
}

func (r *ProposalRegistry) sweepExpired() []*Proposal {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	var expired []*Proposal
	for id, p := range r.proposals {
		if p.Status != ProposalPending {
			continue
		}
		if now.After(p.ExpiresAt) {
			p.Status = ProposalExpired
			expired = append(expired, p)
			delete(r.proposals, id)
		}
	}
	return expired
}

// Create registers a new pending proposal from env, which must be of
// the mcp/proposal kind family; kind is recorded on the proposal.
func (r *ProposalRegistry) Create(env *Envelope, kind string) *Proposal {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	p := &Proposal{
		ID:        env.ID,
		Proposer:  env.From,
		Kind:      kind,
		Envelope:  env,
		Status:    ProposalPending,
		CreatedAt: now,
		ExpiresAt: now.Add(r.ttl),
	}
	r.proposals[p.ID] = p
	return p
}

// Get returns the proposal with the given id, or nil.
func (r *ProposalRegistry) Get(id string) *Proposal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.proposals[id]
}

// Reject transitions a pending proposal to rejected. Returns false if
// the proposal does not exist or is already terminal (spec §4.E
// "duplicate_fulfillment is emitted if a second participant attempts to
// act on an already-terminal proposal").
func (r *ProposalRegistry) Reject(id string) (*Proposal, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.proposals[id]
	if !ok || p.Status != ProposalPending {
		return p, false
	}
	p.Status = ProposalRejected
	delete(r.proposals, id)
	return p, true
}

// Withdraw transitions a pending proposal to withdrawn, and may only be
// called by its own proposer (enforced by the caller).
func (r *ProposalRegistry) Withdraw(id string) (*Proposal, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.proposals[id]
	if !ok || p.Status != ProposalPending {
		return p, false
	}
	p.Status = ProposalWithdrawn
	delete(r.proposals, id)
	return p, true
}

// TryFulfill marks a pending proposal accepted when requestEnv carries
// proposalID in its correlation_id list, recording the mapping from the
// fulfilling request's own id back to the proposal so a subsequent
// mcp/response can be routed to the proposer too. Returns false (with no
// state change) if the proposal is missing or already terminal.
func (r *ProposalRegistry) TryFulfill(proposalID string, requestEnv *Envelope) (*Proposal, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.proposals[proposalID]
	if !ok || p.Status != ProposalPending {
		return p, false
	}
	p.Status = ProposalAccepted
	p.Fulfiller = requestEnv.From
	p.FulfillingRequestID = requestEnv.ID
	r.byRequest[requestEnv.ID] = p
	delete(r.proposals, proposalID)
	return p, true
}

// ProposalReferencePayload is the body of mcp/reject and mcp/withdraw
// envelopes: both only need to name the proposal they act on.
type ProposalReferencePayload struct {
	ProposalID string `json:"proposal_id"`
}

// ProposalForRequest returns the proposal (if any) that requestID's
// mcp/request fulfilled, used when routing the matching mcp/response
// back to the original proposer.
func (r *ProposalRegistry) ProposalForRequest(requestID string) (*Proposal, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byRequest[requestID]
	return p, ok
}
