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

import "encoding/json"

// GrantPayload is the body of a capability/grant envelope (spec §4.E).
type GrantPayload struct {
	GrantID      string              `json:"grant_id"`
	Recipient    string              `json:"recipient"`
	Capabilities []CapabilityPattern `json:"capabilities"`
	Reason       string              `json:"reason,omitempty"`
}

// RevokePayload is the body of a capability/revoke envelope (spec §4.E).
// Either GrantID or Capabilities is set: a grant id revokes the exact
// capability set a prior grant added, while an explicit pattern list
// revokes by (kind) match regardless of which grant introduced it.
type RevokePayload struct {
	GrantID      string              `json:"grant_id,omitempty"`
	Recipient    string              `json:"recipient"`
	Capabilities []CapabilityPattern `json:"capabilities,omitempty"`
	Reason       string              `json:"reason,omitempty"`
}

// authorizeGrant reports whether granter holds the capability/grant
// meta-capability covering this specific grant request (spec §4.E,
// Scenario F: "a human holding the meta-capability authorizes the grant
// itself"). The check reuses the ordinary admission path: a grant
// envelope of kind capability/grant addressed to payload.Recipient with
// the proposed capability set as its payload must itself be admitted by
// the granter's own capabilities.
func authorizeGrant(granter *Participant, payload GrantPayload) bool {
	body, err := json.Marshal(struct {
		Recipient    string              `json:"recipient"`
		Capabilities []CapabilityPattern `json:"capabilities"`
	}{Recipient: payload.Recipient, Capabilities: payload.Capabilities})
	if err != nil {
		return false
	}
	_, ok := granter.Capabilities().Admit(KindCapabilityGrant, []string{payload.Recipient}, body)
	return ok
}

// authorizeRevoke mirrors authorizeGrant for capability/revoke: the
// revoker must hold a capability admitting the revoke envelope itself.
func authorizeRevoke(revoker *Participant, payload RevokePayload) bool {
	body, err := json.Marshal(struct {
		Recipient string `json:"recipient"`
	}{Recipient: payload.Recipient})
	if err != nil {
		return false
	}
	_, ok := revoker.Capabilities().Admit(KindCapabilityRevoke, []string{payload.Recipient}, body)
	return ok
}
