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
	"encoding/json"

	"go.uber.org/zap"
)

func marshalEnvelope(env *Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// dispatch decodes one inbound frame and routes it: correlated
// responses wake their waiting caller, mcp/request envelopes go to a
// registered tool handler, system/welcome and system/presence trigger
// their callbacks, and everything else falls through to the catch-all
// OnEnvelope callback (spec §4.K points 1-4).
func (c *Client) dispatch(ctx context.Context, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.logger.Warn("Could not decode inbound envelope", zap.Error(err))
		return
	}

	switch env.Kind {
	case KindSystemWelcome:
		var w Welcome
		if err := env.UnmarshalPayload(&w); err != nil {
			c.logger.Warn("Could not decode system/welcome payload", zap.Error(err))
			return
		}
		c.connMu.Lock()
		c.participantID = w.ParticipantID
		c.connMu.Unlock()
		if c.onWelcome != nil {
			c.onWelcome(&w)
		}
		return

	case KindSystemPresence:
		var p struct {
			ParticipantID string `json:"participant_id"`
			Presence      string `json:"presence"`
		}
		if err := env.UnmarshalPayload(&p); err == nil && c.onPresence != nil {
			c.onPresence(p.ParticipantID, p.Presence)
		}
		return

	case KindMCPResponse, KindMCPNotification:
		if c.corr.resolve(&env) {
			return
		}

	case KindMCPRequest:
		if c.handleToolRequest(ctx, &env) {
			return
		}
	}

	if c.onEnvelope != nil {
		c.onEnvelope(&env)
	}
}

// handleToolRequest looks up a registered handler by the request's
// method field and, if found, runs it and sends its result back as an
// mcp/response correlated to the request id (spec §4.K point 3). It
// returns false (letting the envelope fall through to OnEnvelope)
// when no handler is registered for the method.
func (c *Client) handleToolRequest(ctx context.Context, request *Envelope) bool {
	var payload struct {
		Method string `json:"method"`
	}
	if err := request.UnmarshalPayload(&payload); err != nil || payload.Method == "" {
		return false
	}

	c.handlersMu.RLock()
	handler, ok := c.handlers[payload.Method]
	c.handlersMu.RUnlock()
	if !ok {
		return false
	}

	go func() {
		result, err := handler(ctx, request)
		kind := KindMCPResponse
		var body interface{}
		if err != nil {
			kind = KindSystemError
			body = map[string]string{"message": err.Error()}
		} else {
			body = result
		}

		resp, buildErr := newEnvelope(kind, []string{request.From}, body)
		if buildErr != nil {
			c.logger.Error("Could not build tool response envelope", zap.Error(buildErr))
			return
		}
		resp.CorrelationID = []string{request.ID}
		if sendErr := c.send(resp); sendErr != nil {
			c.logger.Warn("Could not send tool response", zap.Error(sendErr))
		}
	}()
	return true
}
