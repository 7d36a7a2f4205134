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
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrNotConnected is returned by send paths when no live connection is
// held.
var ErrNotConnected = errors.New("runtime: not connected")

// ErrRequestTimeout is returned by Request when no correlated response
// arrives within the deadline.
var ErrRequestTimeout = errors.New("runtime: request timed out waiting for a response")

// ToolHandler answers an inbound mcp/request addressed to this
// participant. The returned value becomes the payload of the
// mcp/response the runtime sends back with the same correlation id.
type ToolHandler func(ctx context.Context, request *Envelope) (interface{}, error)

// Config configures a Client's connection to one gateway space.
type Config struct {
	// URL is the gateway's base address, e.g. "ws://localhost:8080".
	URL string
	// Space is the space id to join.
	Space string
	// Token is the bearer join token identifying this participant.
	Token string
	// RequestTimeout bounds Request calls. Zero means 30s.
	RequestTimeout time.Duration
	// MinBackoff/MaxBackoff bound the reconnect backoff schedule (spec
	// §4.K point 6). Zero values take the package defaults.
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = 250 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	return c
}

// Client is a single participant's connection to one gateway space. It
// owns the reconnect loop, the inbound dispatch goroutine, the
// correlation table, and the set of registered tool handlers (spec
// §4.K).
type Client struct {
	cfg    Config
	logger *zap.Logger

	handlersMu sync.RWMutex
	handlers   map[string]ToolHandler

	corr *correlationTable

	connMu        sync.Mutex
	conn          *websocket.Conn
	participantID string

	onWelcome  func(*Welcome)
	onPresence func(participantID string, presence string)
	onEnvelope func(*Envelope)
}

// Welcome is the decoded payload of a system/welcome envelope.
type Welcome struct {
	SpaceID       string                `json:"space_id"`
	ParticipantID string                `json:"participant_id"`
	Participants  []ParticipantSnapshot `json:"participants"`
	Protocol      string                `json:"protocol"`
}

// ParticipantSnapshot mirrors the gateway registry's participant
// summary carried inside system/welcome.
type ParticipantSnapshot struct {
	ID       string `json:"id"`
	Presence string `json:"presence"`
}

// NewClient creates a client for one gateway space. Call Run to connect
// and serve until ctx is cancelled.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:      cfg.withDefaults(),
		logger:   logger,
		handlers: make(map[string]ToolHandler),
		corr:     newCorrelationTable(),
	}
}

// OnWelcome registers a callback invoked once per successful join.
func (c *Client) OnWelcome(fn func(*Welcome)) { c.onWelcome = fn }

// OnPresence registers a callback invoked for every system/presence
// envelope.
func (c *Client) OnPresence(fn func(participantID string, presence string)) { c.onPresence = fn }

// OnEnvelope registers a catch-all callback invoked for every inbound
// envelope the runtime does not otherwise dispatch (chat, reasoning,
// stream data), after correlation and tool-handler dispatch have had
// their chance.
func (c *Client) OnEnvelope(fn func(*Envelope)) { c.onEnvelope = fn }

// Handle registers fn to answer mcp/request envelopes whose payload
// carries method (spec §4.K point 3). Registering the same method twice
// replaces the previous handler.
func (c *Client) Handle(method string, fn ToolHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers[method] = fn
}

// Run connects, serves, and reconnects with exponential backoff until
// ctx is cancelled (spec §4.K point 6). It returns ctx's error once ctx
// is done; connection errors are only logged.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			attempt = 0
			continue
		}

		delay := backoff(attempt, c.cfg.MinBackoff, c.cfg.MaxBackoff)
		c.logger.Warn("Lost gateway connection, reconnecting", zap.Error(err), zap.Duration("backoff", delay))
		attempt++

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// backoff computes the exponential-with-jitter delay for a given
// attempt number, grounded on the same shape the example pack's retry
// hook uses: double the base delay per attempt, clamp to max, jitter by
// ±25% to avoid every reconnecting participant landing on the same
// instant.
func backoff(attempt int, min, max time.Duration) time.Duration {
	delay := float64(min) * math.Pow(2, float64(attempt))
	if delay > float64(max) {
		delay = float64(max)
	}
	jitter := delay * 0.25 * (rand.Float64()*2 - 1)
	delay += jitter
	if delay < float64(min) {
		delay = float64(min)
	}
	return time.Duration(delay)
}

// connectAndServe dials once, joins the space, and serves inbound
// frames until the connection drops or ctx is cancelled. Any in-flight
// requests are abandoned on disconnect rather than replayed once
// reconnected (spec §4.K point 6's explicit client policy).
func (c *Client) connectAndServe(ctx context.Context) error {
	u, err := joinURL(c.cfg.URL, c.cfg.Space)
	if err != nil {
		return err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.cfg.Token)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u, header)
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	defer func() {
		conn.Close()
		c.connMu.Lock()
		c.conn = nil
		c.connMu.Unlock()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.dispatch(ctx, data)

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

func joinURL(base, space string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse gateway url: %w", err)
	}
	u.Path = fmt.Sprintf("/spaces/%s/ws", space)
	return u.String(), nil
}

// send marshals and writes env over the live connection.
func (c *Client) send(env *Envelope) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	data, err := marshalEnvelope(env)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}
