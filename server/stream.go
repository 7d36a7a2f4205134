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

	"github.com/gofrs/uuid/v5"
)

// StreamStatus is a stream's lifecycle state (spec §4.F).
type StreamStatus string

const (
	StreamOpen   StreamStatus = "open"
	StreamClosed StreamStatus = "closed"
)

// StreamDirection is the data-flow direction a stream/request declares
// (spec §4.F).
type StreamDirection string

const (
	StreamUpload   StreamDirection = "upload"
	StreamDownload StreamDirection = "download"
)

// Stream is an out-of-band framed-byte channel negotiated between a
// requester and an optional target set (spec §4.F). Owner and
// AuthorizedWriters are always server-assigned: stream/request's payload
// may suggest a direction and target but never dictates the writer set,
// matching the same never-trust-client-authorization rule the router
// applies to envelope routing fields (spec Scenario E). Target is empty
// for a broadcast stream, whose frames go to every connected
// participant rather than a restricted set.
type Stream struct {
	ID                string
	Requester         string
	Direction         StreamDirection
	Target            []string
	Owner             string
	AuthorizedWriters []string
	Status            StreamStatus
}

func (s *Stream) canWrite(participantID string) bool {
	for _, w := range s.AuthorizedWriters {
		if w == participantID {
			return true
		}
	}
	return false
}

// notifyAudience returns the recipients for the stream's control
// envelopes (open, close): the target set plus the requester when
// targeted, or the whole connected space when broadcast.
func (s *Stream) notifyAudience(allConnected []string) []string {
	if len(s.Target) == 0 {
		return allConnected
	}
	return appendUnique(s.Target, s.Requester)
}

// frameAudience returns the recipients for raw stream data frames (spec
// §4.F): exactly the target set when targeted, or every connected
// participant (including the sender, for echo) when broadcast.
func (s *Stream) frameAudience(allConnected []string) []string {
	if len(s.Target) == 0 {
		return allConnected
	}
	return s.Target
}

func appendUnique(list []string, value string) []string {
	for _, v := range list {
		if v == value {
			return list
		}
	}
	return append(append([]string(nil), list...), value)
}

// StreamRequestPayload is the body of a stream/request envelope (spec
// §4.F). Direction and Target drive the server's own computation of
// owner/authorized_writers; any authorized_writers, owner or
// participant_id fields a client adds are ignored by the registry.
type StreamRequestPayload struct {
	Direction   StreamDirection `json:"direction"`
	Target      []string        `json:"target,omitempty"`
	Description string          `json:"description,omitempty"`
}

// StreamOpenPayload is the body of the stream/open envelope the gateway
// sends to a stream's audience once it is established.
type StreamOpenPayload struct {
	StreamID          string          `json:"stream_id"`
	Owner             string          `json:"owner"`
	Direction         StreamDirection `json:"direction"`
	AuthorizedWriters []string        `json:"authorized_writers"`
	Target            []string        `json:"target,omitempty"`
}

// StreamClosePayload is the body of a stream/close envelope.
type StreamClosePayload struct {
	StreamID string `json:"stream_id"`
	Reason   string `json:"reason,omitempty"`
}

// StreamRegistry tracks every open stream in a space, keyed by stream id
// (spec §4.F). Like ParticipantRegistry it is owned exclusively by its
// Space.
type StreamRegistry struct {
	mu      sync.RWMutex
	streams map[string]*Stream
}

// NewStreamRegistry creates an empty registry.
func NewStreamRegistry() *StreamRegistry {
	return &StreamRegistry{streams: make(map[string]*Stream)}
}

// Open creates a new stream from a stream/request, computing owner and
// authorized_writers itself regardless of anything the client supplied
// in the request payload (spec Scenario E): for an upload, exactly the
// requester may write; for a download, exactly the target set may.
func (r *StreamRegistry) Open(requester string, direction StreamDirection, target []string) *Stream {
	var writers []string
	if direction == StreamDownload {
		writers = append([]string(nil), target...)
	} else {
		writers = []string{requester}
	}

	s := &Stream{
		ID:                uuid.Must(uuid.NewV4()).String(),
		Requester:         requester,
		Direction:         direction,
		Target:            append([]string(nil), target...),
		Owner:             requester,
		AuthorizedWriters: writers,
		Status:            StreamOpen,
	}
	r.mu.Lock()
	r.streams[s.ID] = s
	r.mu.Unlock()
	return s
}

// Get returns the stream with the given id, or nil.
func (r *StreamRegistry) Get(id string) *Stream {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.streams[id]
}

// Close marks a stream closed and removes it from the registry. Returns
// false if the stream does not exist or is already closed (spec §4.F
// stream_closed error).
func (r *StreamRegistry) Close(id string) (*Stream, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.streams[id]
	if !ok || s.Status == StreamClosed {
		return s, false
	}
	s.Status = StreamClosed
	delete(r.streams, id)
	return s, true
}

// CloseAllFor closes every stream a disconnected participant was party
// to, returning them so the caller can notify the other endpoint.
func (r *StreamRegistry) CloseAllFor(participantID string) []*Stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	var closed []*Stream
	for id, s := range r.streams {
		if s.Requester == participantID || containsString(s.Target, participantID) {
			s.Status = StreamClosed
			closed = append(closed, s)
			delete(r.streams, id)
		}
	}
	return closed
}
