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
	"strings"
)

// CapabilityPattern is the declarative, data-only shape of a capability
// as it appears in a space descriptor or a grant/revoke payload (spec
// §3, §9 "capability patterns ⇒ data, not classes"). CompiledCapability
// below is the compiled form the matcher actually runs against.
type CapabilityPattern struct {
	ID      string          `json:"id,omitempty" yaml:"id,omitempty"`
	Kind    string          `json:"kind" yaml:"kind"`
	To      json.RawMessage `json:"to,omitempty" yaml:"to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty" yaml:"payload,omitempty"`
}

// matcherKind tags which concrete shape a compiled sub-matcher has,
// following §9's recommendation for a tagged-variant matcher compiled
// once at join rather than re-parsed per envelope.
type matcherKind int

const (
	matchAny matcherKind = iota
	matchExact
	matchPrefix
)

// stringMatcher is one compiled (kind, pattern) pair used for both the
// `kind` field and each element of a `to` pattern list.
type stringMatcher struct {
	kind    matcherKind
	pattern string
}

func compileStringMatcher(pattern string) stringMatcher {
	if pattern == "*" || pattern == "" {
		return stringMatcher{kind: matchAny}
	}
	if strings.HasSuffix(pattern, "/*") {
		return stringMatcher{kind: matchPrefix, pattern: strings.TrimSuffix(pattern, "/*")}
	}
	if strings.HasSuffix(pattern, "*") {
		return stringMatcher{kind: matchPrefix, pattern: strings.TrimSuffix(pattern, "*")}
	}
	return stringMatcher{kind: matchExact, pattern: pattern}
}

func (m stringMatcher) matches(value string) bool {
	switch m.kind {
	case matchAny:
		return true
	case matchPrefix:
		return value == m.pattern || strings.HasPrefix(value, m.pattern+"/") || strings.HasPrefix(value, m.pattern)
	default:
		return value == m.pattern
	}
}

// CompiledCapability is a capability pattern compiled once, at join or
// grant time, into the tagged-variant triple the matcher runner walks
// without allocation (spec §9).
type CompiledCapability struct {
	ID      string
	Kind    stringMatcher
	To      []stringMatcher // consulted only when HasTo is set
	HasTo   bool            // false means "any recipient set" (absent in source)
	Payload map[string]json.RawMessage // nil means "any payload" (absent in source)
}

// CompileCapability compiles a declarative pattern into its runtime
// matcher form. Errors are not possible by construction, so a malformed
// capability in a space descriptor never crashes the gateway: a `to`
// that is neither a string nor a string list compiles to an empty
// matcher set, which still admits a broadcast (no `to`) but denies every
// explicit recipient; a `payload` that is not a JSON object is ignored,
// so any payload is admitted.
func CompileCapability(p CapabilityPattern) CompiledCapability {
	c := CompiledCapability{
		ID:   p.ID,
		Kind: compileStringMatcher(p.Kind),
	}

	if len(p.To) > 0 {
		c.HasTo = true
		var list []string
		if err := json.Unmarshal(p.To, &list); err == nil {
			for _, item := range list {
				c.To = append(c.To, compileStringMatcher(item))
			}
		} else {
			var single string
			if err := json.Unmarshal(p.To, &single); err == nil {
				c.To = append(c.To, compileStringMatcher(single))
			}
		}
	}

	if len(p.Payload) > 0 {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(p.Payload, &fields); err == nil {
			c.Payload = fields
		}
	}

	return c
}

// MatchesKind reports whether the compiled capability's kind matcher
// admits kind.
func (c CompiledCapability) MatchesKind(kind string) bool {
	return c.Kind.matches(kind)
}

// MatchesTo reports whether every id in `to` is admitted by the
// capability's `to` matcher set. An absent `to` pattern admits any
// recipient set (spec §4.B).
func (c CompiledCapability) MatchesTo(to []string) bool {
	if !c.HasTo {
		return true
	}
	for _, id := range to {
		if !anyMatcherMatches(c.To, id) {
			return false
		}
	}
	return true
}

func anyMatcherMatches(matchers []stringMatcher, value string) bool {
	for _, m := range matchers {
		if m.matches(value) {
			return true
		}
	}
	return false
}

// MatchesPayload performs the shallow, per-field recursive match
// described in spec §4.B: fields present in the pattern must equal (or,
// for array-valued patterns, element-wise equal) the corresponding
// field in the payload; fields absent from the pattern are wildcards.
// A type mismatch between pattern and payload value is not a match.
func (c CompiledCapability) MatchesPayload(payload json.RawMessage) bool {
	if c.Payload == nil {
		return true
	}
	var actual map[string]json.RawMessage
	if len(payload) == 0 {
		return false
	}
	if err := json.Unmarshal(payload, &actual); err != nil {
		return false
	}
	for field, wantRaw := range c.Payload {
		gotRaw, ok := actual[field]
		if !ok {
			return false
		}
		if !jsonValueMatches(wantRaw, gotRaw) {
			return false
		}
	}
	return true
}

// jsonValueMatches implements the shallow equality/array-element-wise
// comparison of spec §4.B. Nested objects are compared recursively
// field-by-field using the same "absent fields are wildcards" rule;
// this lets a capability constrain a nested params.name without pinning
// every sibling field.
func jsonValueMatches(want, got json.RawMessage) bool {
	var wantArr, gotArr []json.RawMessage
	wantIsArr := json.Unmarshal(want, &wantArr) == nil && isJSONArray(want)
	gotIsArr := json.Unmarshal(got, &gotArr) == nil && isJSONArray(got)
	if wantIsArr {
		if !gotIsArr || len(wantArr) != len(gotArr) {
			return false
		}
		for i := range wantArr {
			if !jsonValueMatches(wantArr[i], gotArr[i]) {
				return false
			}
		}
		return true
	}

	var wantObj, gotObj map[string]json.RawMessage
	wantIsObj := json.Unmarshal(want, &wantObj) == nil && isJSONObject(want)
	gotIsObj := json.Unmarshal(got, &gotObj) == nil && isJSONObject(got)
	if wantIsObj {
		if !gotIsObj {
			return false
		}
		for field, wantRaw := range wantObj {
			gotRaw, ok := gotObj[field]
			if !ok || !jsonValueMatches(wantRaw, gotRaw) {
				return false
			}
		}
		return true
	}

	// Scalars: compare normalized JSON text.
	return strings.TrimSpace(string(want)) == strings.TrimSpace(string(got))
}

func isJSONArray(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return strings.HasPrefix(trimmed, "[")
}

func isJSONObject(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return strings.HasPrefix(trimmed, "{")
}

// CapabilityMatcher holds a participant's compiled capability set and
// answers admission checks for outbound envelopes (spec §4.B). It is an
// immutable value: grant/revoke produce a new CapabilityMatcher rather
// than mutating one another goroutine might be reading concurrently,
// matching spec §3's "capabilities are owned by the registry and copied
// to message-admission decisions to avoid contention".
type CapabilityMatcher struct {
	capabilities []CompiledCapability
}

// NewCapabilityMatcher compiles a set of declarative patterns.
func NewCapabilityMatcher(patterns []CapabilityPattern) CapabilityMatcher {
	compiled := make([]CompiledCapability, 0, len(patterns))
	for _, p := range patterns {
		compiled = append(compiled, CompileCapability(p))
	}
	return CapabilityMatcher{capabilities: compiled}
}

// Admit checks an outbound envelope against the held capabilities. It
// returns the id of the first matching capability (ties are broken by
// declaration order; this only affects logging, not the admit/deny
// outcome per spec §4.B) and true, or ("", false) if none match.
func (m CapabilityMatcher) Admit(kind string, to []string, payload json.RawMessage) (string, bool) {
	for _, c := range m.capabilities {
		if c.MatchesKind(kind) && c.MatchesTo(to) && c.MatchesPayload(payload) {
			return c.ID, true
		}
	}
	return "", false
}

// IDs returns the declared ids of every held capability, for inclusion
// in a capability_violation diagnostic (spec §4.B).
func (m CapabilityMatcher) IDs() []string {
	ids := make([]string, 0, len(m.capabilities))
	for _, c := range m.capabilities {
		if c.ID != "" {
			ids = append(ids, c.ID)
		}
	}
	return ids
}

// Len returns the number of compiled capabilities the matcher holds.
func (m CapabilityMatcher) Len() int {
	return len(m.capabilities)
}

// WithGranted returns a new matcher with the given patterns compiled and
// appended, leaving the receiver untouched.
func (m CapabilityMatcher) WithGranted(patterns []CapabilityPattern) CapabilityMatcher {
	next := make([]CompiledCapability, len(m.capabilities), len(m.capabilities)+len(patterns))
	copy(next, m.capabilities)
	for _, p := range patterns {
		next = append(next, CompileCapability(p))
	}
	return CapabilityMatcher{capabilities: next}
}

// WithRevoked returns a new matcher with any compiled capability whose
// ID is grantID, or whose kind pattern equals the kind pattern of one of
// patterns when grantID is empty, removed (the `to` and `payload` parts
// are not compared). Matches spec §4.E's revoke
// symmetry: "matches on grant_id when present, else on the capability
// set".
func (m CapabilityMatcher) WithRevoked(grantID string, patterns []CapabilityPattern) CapabilityMatcher {
	next := make([]CompiledCapability, 0, len(m.capabilities))
	for _, c := range m.capabilities {
		if grantID != "" {
			if c.ID == grantID {
				continue
			}
			next = append(next, c)
			continue
		}
		if matchesAnyPattern(c, patterns) {
			continue
		}
		next = append(next, c)
	}
	return CapabilityMatcher{capabilities: next}
}

func matchesAnyPattern(c CompiledCapability, patterns []CapabilityPattern) bool {
	for _, p := range patterns {
		candidate := CompileCapability(p)
		if c.Kind.pattern == candidate.Kind.pattern && c.Kind.kind == candidate.Kind.kind {
			return true
		}
	}
	return false
}
