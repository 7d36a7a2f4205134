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

package runtime

import (
	"context"
	"time"
)

// Request sends an mcp/request to recipient and blocks until a
// correlated mcp/response arrives, ctx is cancelled, or
// Config.RequestTimeout elapses (spec §4.K point 2).
func (c *Client) Request(ctx context.Context, recipient string, method string, params interface{}) (*Envelope, error) {
	env, err := newEnvelope(KindMCPRequest, []string{recipient}, struct {
		Method string      `json:"method"`
		Params interface{} `json:"params,omitempty"`
	}{Method: method, Params: params})
	if err != nil {
		return nil, err
	}

	done := c.corr.register(env.ID)
	if err := c.send(env); err != nil {
		c.corr.forget(env.ID)
		return nil, err
	}

	timeout := time.NewTimer(c.cfg.RequestTimeout)
	defer timeout.Stop()

	select {
	case resp := <-done:
		return resp, nil
	case <-ctx.Done():
		c.corr.forget(env.ID)
		return nil, ctx.Err()
	case <-timeout.C:
		c.corr.forget(env.ID)
		return nil, ErrRequestTimeout
	}
}

// Notify sends a fire-and-forget mcp/notification to recipient.
func (c *Client) Notify(recipient string, method string, params interface{}) error {
	env, err := newEnvelope(KindMCPNotification, []string{recipient}, struct {
		Method string      `json:"method"`
		Params interface{} `json:"params,omitempty"`
	}{Method: method, Params: params})
	if err != nil {
		return err
	}
	return c.send(env)
}

// Chat sends a chat envelope. An empty recipients list broadcasts to
// the rest of the space (spec §3's no-`to` broadcast rule).
func (c *Client) Chat(recipients []string, text string) error {
	env, err := newEnvelope(KindChat, recipients, struct {
		Text string `json:"text"`
	}{Text: text})
	if err != nil {
		return err
	}
	return c.send(env)
}

// ProposalHandle is a locally-tracked proposal this client created,
// returned by Propose so the caller can withdraw it later.
type ProposalHandle struct {
	ID string
}

// Propose sends an mcp/proposal suggesting that recipient perform
// action, without the client holding a capability to perform it
// directly (spec §4.E). The gateway assigns the proposal its tracking
// id from this envelope's own id.
func (c *Client) Propose(recipient string, action interface{}) (*ProposalHandle, error) {
	env, err := newEnvelope(KindMCPProposal, []string{recipient}, action)
	if err != nil {
		return nil, err
	}
	if err := c.send(env); err != nil {
		return nil, err
	}
	return &ProposalHandle{ID: env.ID}, nil
}

// Withdraw cancels a proposal this client created.
func (c *Client) Withdraw(proposal *ProposalHandle) error {
	env, err := newEnvelope(KindMCPWithdraw, nil, struct {
		ProposalID string `json:"proposal_id"`
	}{ProposalID: proposal.ID})
	if err != nil {
		return err
	}
	return c.send(env)
}

// Reason emits a reasoning/start envelope followed by the given
// thoughts and a reasoning/conclusion, letting observers in the space
// follow a participant's chain of thought as it happens (spec §4's
// reasoning kind family).
func (c *Client) Reason(recipients []string, topic string, thoughts []string, conclusion string) error {
	start, err := newEnvelope(KindReasoningStart, recipients, struct {
		Topic string `json:"topic"`
	}{Topic: topic})
	if err != nil {
		return err
	}
	if err := c.send(start); err != nil {
		return err
	}

	for _, thought := range thoughts {
		env, err := newEnvelope(KindReasoningThought, recipients, struct {
			Text string `json:"text"`
		}{Text: thought})
		if err != nil {
			return err
		}
		env.CorrelationID = []string{start.ID}
		if err := c.send(env); err != nil {
			return err
		}
	}

	final, err := newEnvelope(KindReasoningConclusion, recipients, struct {
		Text string `json:"text"`
	}{Text: conclusion})
	if err != nil {
		return err
	}
	final.CorrelationID = []string{start.ID}
	return c.send(final)
}

// RequestStream asks the gateway to open a stream sub-protocol channel
// (spec §4.F). direction is "upload" or "download"; target names the
// other endpoint(s), or is empty for a broadcast stream open to the
// whole space. The caller learns the resulting stream id from the
// stream/open envelope delivered back through OnEnvelope.
func (c *Client) RequestStream(direction string, target []string) error {
	env, err := newEnvelope(KindStreamRequest, nil, struct {
		Direction string   `json:"direction"`
		Target    []string `json:"target,omitempty"`
	}{Direction: direction, Target: target})
	if err != nil {
		return err
	}
	return c.send(env)
}

// CloseStream asks the gateway to tear down an open stream.
func (c *Client) CloseStream(streamID string) error {
	env, err := newEnvelope(KindStreamClose, nil, struct {
		StreamID string `json:"stream_id"`
	}{StreamID: streamID})
	if err != nil {
		return err
	}
	return c.send(env)
}

// ParticipantID returns the id the gateway assigned this client on its
// most recent successful join, or "" before any system/welcome has been
// received.
func (c *Client) ParticipantID() string {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.participantID
}
