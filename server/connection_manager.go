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
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ConnectionManager owns the set of running spaces and accepts new
// WebSocket connections into them, grounded on the teacher's
// NewSocketWsAcceptor: extract a bearer token, resolve it to an
// identity, upgrade, then hand the connection off to the space (spec
// §4.H).
type ConnectionManager struct {
	logger *zap.Logger
	config Config

	spacesMu sync.RWMutex
	spaces   map[string]*Space

	upgrader websocket.Upgrader
}

// NewConnectionManager creates one Space per configured space
// descriptor.
func NewConnectionManager(logger *zap.Logger, cfg Config) (*ConnectionManager, error) {
	cm := &ConnectionManager{
		logger: logger,
		config: cfg,
		spaces: make(map[string]*Space),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  int(cfg.GetSocket().ReadBufferSizeBytes),
			WriteBufferSize: int(cfg.GetSocket().WriteBufferSizeBytes),
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	for id, descriptor := range cfg.GetSpaces() {
		descriptor.ID = id
		space, err := NewSpace(logger, cfg, descriptor)
		if err != nil {
			return nil, err
		}
		cm.spaces[id] = space
	}
	return cm, nil
}

// Space returns the named space, or nil.
func (cm *ConnectionManager) Space(id string) *Space {
	cm.spacesMu.RLock()
	defer cm.spacesMu.RUnlock()
	return cm.spaces[id]
}

// Shutdown stops every space's background work.
func (cm *ConnectionManager) Shutdown() {
	cm.spacesMu.RLock()
	defer cm.spacesMu.RUnlock()
	for _, space := range cm.spaces {
		space.Shutdown()
	}
}

// RegisterRoutes wires the WebSocket join endpoint and HTTP injection
// endpoint (component I) onto router.
func (cm *ConnectionManager) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/spaces/{space}/ws", cm.handleWebSocket).Methods(http.MethodGet)
	router.HandleFunc("/participants/{id}/messages", cm.handleHTTPInjection).Methods(http.MethodPost)
	router.HandleFunc("/health", cm.handleHealth).Methods(http.MethodGet)
}

func (cm *ConnectionManager) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		const prefix = "Bearer "
		if strings.HasPrefix(auth, prefix) {
			return auth[len(prefix):]
		}
	}
	return r.URL.Query().Get("token")
}

func (cm *ConnectionManager) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	spaceID := mux.Vars(r)["space"]
	space := cm.Space(spaceID)
	if space == nil {
		http.Error(w, "unknown space", http.StatusNotFound)
		return
	}

	token := bearerToken(r)
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}

	participant, gwErr := space.Join(token)
	if gwErr != nil {
		http.Error(w, gwErr.Message, http.StatusUnauthorized)
		return
	}

	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		cm.logger.Debug("Could not upgrade to WebSocket", zap.Error(err))
		return
	}

	wsConn := newWSConnection(cm.logger, conn, space, participant.ID, cm.config.GetSocket())
	space.BindConnection(participant, wsConn)

	wsConn.serve()

	space.UnbindConnection(participant)
	go func() {
		time.Sleep(space.ReconnectGrace())
		space.ExpireIfStillDisconnected(participant.ID)
	}()
}

// handleHTTPInjection implements the one-shot HTTP→space ingress path
// (spec §4.I): a request body is treated exactly like one WebSocket text
// frame from the named participant, run through the identical admission
// pipeline, and any capability violation is reflected back as the
// matching HTTP status instead of a system/error envelope over a socket
// the caller does not have. The bearer token is checked against the same
// space descriptor Join consults, since this endpoint is an alternative
// ingress path, not an alternative authentication policy.
func (cm *ConnectionManager) handleHTTPInjection(w http.ResponseWriter, r *http.Request) {
	participantID := mux.Vars(r)["id"]
	spaceID := r.URL.Query().Get("space")
	space := cm.Space(spaceID)
	if space == nil {
		http.Error(w, "unknown space", http.StatusNotFound)
		return
	}

	token := bearerToken(r)
	if token == "" || !space.AuthorizesToken(participantID, token) {
		http.Error(w, "missing or invalid token", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "could not read request body", http.StatusBadRequest)
		return
	}

	gwErr := space.IngressHTTP(participantID, body)
	if gwErr != nil {
		status := http.StatusForbidden
		if gwErr.Code == CodeMalformedEnvelope {
			status = http.StatusBadRequest
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		data, _ := encodeGatewayError(gwErr)
		w.Write(data)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}
