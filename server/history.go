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
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/natefinch/lumberjack.v2"
)

// HistoryEvent enumerates the four outcomes an envelope's journey
// through a space can have (spec §3, §4.J).
type HistoryEvent string

const (
	EventReceived  HistoryEvent = "received"
	EventDelivered HistoryEvent = "delivered"
	EventFailed    HistoryEvent = "failed"
	EventDropped   HistoryEvent = "dropped"
)

// HistoryRecord is one line of envelope-history.jsonl (spec §3).
type HistoryRecord struct {
	Sequence      uint64       `json:"sequence"`
	Event         HistoryEvent `json:"event"`
	Ts            time.Time    `json:"ts"`
	EnvelopeID    string       `json:"envelope_id"`
	From          string       `json:"from"`
	To            string       `json:"to,omitempty"`
	Kind          string       `json:"kind"`
	Reason        string       `json:"reason,omitempty"`
	CorrelationID []string     `json:"correlation_id,omitempty"`
}

// CapabilityDecisionRecord is one line of capability-decisions.jsonl
// (spec §6 persisted state layout): one record per admission decision.
type CapabilityDecisionRecord struct {
	Ts            time.Time `json:"ts"`
	EnvelopeID    string    `json:"envelope_id"`
	From          string    `json:"from"`
	Kind          string    `json:"kind"`
	Granted       bool      `json:"granted"`
	CapabilityID  string    `json:"capability_id,omitempty"`
	CapabilityIDs []string  `json:"capability_ids,omitempty"`
}

// HistoryLogger is the append-only, per-space audit log described in
// spec §4.J. Writes are funneled through a single mutex-protected
// writer so concurrent router goroutines never interleave partial
// lines (spec §5 "contention is avoided by funneling writes through a
// single writer task per space"); rotation by size is delegated to
// lumberjack, the same dependency the teacher lists for its own log
// rotation.
type HistoryLogger struct {
	logger *zap.Logger

	mu       sync.Mutex
	sequence uint64
	envelope *lumberjack.Logger
	decision *lumberjack.Logger
	envBuf   *bufio.Writer
	decBuf   *bufio.Writer

	flushStop chan struct{}
	flushDone chan struct{}
}

// NewHistoryLogger creates the envelope-history.jsonl and
// capability-decisions.jsonl writers for a space under dir, applying
// the configured rotation thresholds.
func NewHistoryLogger(logger *zap.Logger, dir string, cfg *HistoryConfig) (*HistoryLogger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	envelopeLog := &lumberjack.Logger{
		Filename:   filepath.Join(dir, "envelope-history.jsonl"),
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
	}
	decisionLog := &lumberjack.Logger{
		Filename:   filepath.Join(dir, "capability-decisions.jsonl"),
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
	}

	h := &HistoryLogger{
		logger:    logger,
		envelope:  envelopeLog,
		decision:  decisionLog,
		envBuf:    bufio.NewWriter(envelopeLog),
		decBuf:    bufio.NewWriter(decisionLog),
		flushStop: make(chan struct{}),
		flushDone: make(chan struct{}),
	}

	go h.flushPeriodically()

	return h, nil
}

func (h *HistoryLogger) flushPeriodically() {
	defer close(h.flushDone)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.mu.Lock()
			h.envBuf.Flush()
			h.decBuf.Flush()
			h.mu.Unlock()
		case <-h.flushStop:
			return
		}
	}
}

// Close flushes any buffered records and stops the flush timer.
func (h *HistoryLogger) Close() error {
	close(h.flushStop)
	<-h.flushDone
	h.mu.Lock()
	defer h.mu.Unlock()
	h.envBuf.Flush()
	h.decBuf.Flush()
	if err := h.envelope.Close(); err != nil {
		return err
	}
	return h.decision.Close()
}

// Record appends a single history record, assigning it the next
// monotonic per-space sequence number (spec §4.J).
func (h *HistoryLogger) Record(rec HistoryRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sequence++
	rec.Sequence = h.sequence
	if rec.Ts.IsZero() {
		rec.Ts = time.Now().UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		h.logger.Error("Could not marshal history record", zap.Error(err))
		return
	}
	data = append(data, '\n')
	if _, err := h.envBuf.Write(data); err != nil {
		h.logger.Error("Could not write history record", zap.Error(err))
	}
}

// RecordDecision appends a single capability-admission decision.
func (h *HistoryLogger) RecordDecision(rec CapabilityDecisionRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if rec.Ts.IsZero() {
		rec.Ts = time.Now().UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		h.logger.Error("Could not marshal capability decision record", zap.Error(err))
		return
	}
	data = append(data, '\n')
	if _, err := h.decBuf.Write(data); err != nil {
		h.logger.Error("Could not write capability decision record", zap.Error(err))
	}
}
