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

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// streamFrameSep tags the boundary between a stream id and its payload
// inside a binary WebSocket frame carrying stream data (spec §6's
// "reserved prefix" framing, distinct from the JSON envelopes carried
// over text frames).
const streamFrameSep = byte(0)

// wsConnection is the WebSocket implementation of Connection (spec
// §4.H), grounded on the teacher's wsSession: a mutex-guarded send path,
// a ping/pong heartbeat pair, and a read loop that hands decoded frames
// to the owning space. Unlike the teacher, outbound delivery goes
// through a bounded channel with drop-oldest overflow (spec §4.D point
// 3) instead of a single write mutex, since mewgate needs a real queue
// to support pause/resume and per-connection backpressure.
type wsConnection struct {
	logger *zap.Logger
	conn   *websocket.Conn
	space  *Space

	participantID string
	spaceID       string

	socketCfg *SocketConfig

	outbound    chan *Envelope
	streamFrame chan streamFrameEnvelope

	pauseMu   sync.Mutex
	pauseCond *sync.Cond
	paused    bool

	closeOnce sync.Once
	closeCh   chan struct{}
}

type streamFrameEnvelope struct {
	streamID string
	data     []byte
}

func newWSConnection(logger *zap.Logger, conn *websocket.Conn, space *Space, participantID string, socketCfg *SocketConfig) *wsConnection {
	c := &wsConnection{
		logger:        logger,
		conn:          conn,
		space:         space,
		participantID: participantID,
		spaceID:       space.ID(),
		socketCfg:     socketCfg,
		outbound:      make(chan *Envelope, socketCfg.OutboundQueueSize),
		streamFrame:   make(chan streamFrameEnvelope, socketCfg.StreamQueueSize),
		closeCh:       make(chan struct{}),
	}
	c.pauseCond = sync.NewCond(&c.pauseMu)
	return c
}

func (c *wsConnection) Logger() *zap.Logger   { return c.logger }
func (c *wsConnection) ParticipantID() string { return c.participantID }
func (c *wsConnection) SpaceID() string       { return c.spaceID }

// Enqueue implements Connection. On a full queue the oldest pending
// envelope is dropped to make room, matching spec §4.D point 3's
// drop-oldest backpressure policy.
func (c *wsConnection) Enqueue(envelope *Envelope) bool {
	select {
	case c.outbound <- envelope:
		return true
	default:
	}
	select {
	case <-c.outbound:
	default:
	}
	select {
	case c.outbound <- envelope:
		return true
	default:
		return false
	}
}

// EnqueueFrame implements Connection for raw stream data frames.
func (c *wsConnection) EnqueueFrame(streamID string, data []byte) bool {
	frame := streamFrameEnvelope{streamID: streamID, data: data}
	select {
	case c.streamFrame <- frame:
		return true
	default:
	}
	select {
	case <-c.streamFrame:
	default:
	}
	select {
	case c.streamFrame <- frame:
		return true
	default:
		return false
	}
}

// SetPaused gates the write loop: while paused, envelopes continue to
// accumulate (subject to the same drop-oldest bound) but are not
// written to the socket until resumed (spec §4.G).
func (c *wsConnection) SetPaused(paused bool) {
	c.pauseMu.Lock()
	c.paused = paused
	c.pauseMu.Unlock()
	if !paused {
		c.pauseCond.Broadcast()
	}
}

func (c *wsConnection) waitWhilePaused() {
	c.pauseMu.Lock()
	for c.paused {
		c.pauseCond.Wait()
	}
	c.pauseMu.Unlock()
}

// Close implements Connection.
func (c *wsConnection) Close() {
	c.closeOnce.Do(func() {
		close(c.closeCh)
		c.conn.Close()
	})
}

// serve runs the write loop and the blocking read loop, returning once
// the connection is closed from either end. Call this from the
// goroutine that accepted the WebSocket upgrade.
func (c *wsConnection) serve() {
	go c.writeLoop()
	c.readLoop()
}

func (c *wsConnection) writeLoop() {
	pingTicker := time.NewTicker(time.Duration(c.socketCfg.PingPeriodMs) * time.Millisecond)
	defer pingTicker.Stop()
	defer c.Close()

	for {
		select {
		case <-c.closeCh:
			return
		case <-pingTicker.C:
			c.waitWhilePaused()
			c.conn.SetWriteDeadline(time.Now().Add(time.Duration(c.socketCfg.WriteWaitMs) * time.Millisecond))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case frame := <-c.streamFrame:
			c.waitWhilePaused()
			if !c.writeStreamFrame(frame) {
				return
			}
		case env := <-c.outbound:
			c.waitWhilePaused()
			if !c.writeEnvelope(env) {
				return
			}
		}
	}
}

func (c *wsConnection) writeEnvelope(env *Envelope) bool {
	data, err := encodeWireEnvelope(env)
	if err != nil {
		c.logger.Error("Could not encode outbound envelope", zap.Error(err))
		return true
	}
	c.conn.SetWriteDeadline(time.Now().Add(time.Duration(c.socketCfg.WriteWaitMs) * time.Millisecond))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.logger.Debug("Could not write envelope", zap.Error(err))
		return false
	}
	return true
}

func (c *wsConnection) writeStreamFrame(frame streamFrameEnvelope) bool {
	buf := make([]byte, 0, len(frame.streamID)+1+len(frame.data))
	buf = append(buf, []byte(frame.streamID)...)
	buf = append(buf, streamFrameSep)
	buf = append(buf, frame.data...)
	c.conn.SetWriteDeadline(time.Now().Add(time.Duration(c.socketCfg.WriteWaitMs) * time.Millisecond))
	if err := c.conn.WriteMessage(websocket.BinaryMessage, buf); err != nil {
		c.logger.Debug("Could not write stream frame", zap.Error(err))
		return false
	}
	return true
}

func (c *wsConnection) readLoop() {
	defer c.Close()

	c.conn.SetReadLimit(c.socketCfg.MaxMessageSizeBytes)
	c.conn.SetReadDeadline(time.Now().Add(time.Duration(c.socketCfg.PongWaitMs) * time.Millisecond))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(time.Duration(c.socketCfg.PongWaitMs) * time.Millisecond))
		return nil
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Debug("Connection closed unexpectedly", zap.Error(err))
			}
			return
		}

		switch messageType {
		case websocket.TextMessage:
			c.space.Ingress(c.participantID, data)
		case websocket.BinaryMessage:
			streamID, payload, ok := splitStreamFrame(data)
			if !ok {
				c.logger.Debug("Dropping malformed binary frame")
				continue
			}
			c.space.IngressStreamFrame(c.participantID, streamID, payload)
		}
	}
}

func splitStreamFrame(data []byte) (streamID string, payload []byte, ok bool) {
	for i, b := range data {
		if b == streamFrameSep {
			return string(data[:i]), data[i+1:], true
		}
	}
	return "", nil, false
}
