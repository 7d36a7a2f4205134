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
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/uuid/v5"
	"gopkg.in/yaml.v3"
)

// Config is the gateway's runtime configuration, loaded from a space
// descriptor YAML document and overridable from the command line.
type Config interface {
	GetName() string
	GetDataDir() string
	GetPort() int
	GetSocket() *SocketConfig
	GetProtocol() *ProtocolConfig
	GetRouting() *RoutingConfig
	GetHistory() *HistoryConfig
	GetLogger() *LoggerConfig
	GetSpaces() map[string]*SpaceDescriptor
}

type config struct {
	Name     string                      `yaml:"name"`
	DataDir  string                      `yaml:"data_dir"`
	Port     int                         `yaml:"port"`
	Socket   *SocketConfig               `yaml:"socket"`
	Protocol *ProtocolConfig             `yaml:"protocol"`
	Routing  *RoutingConfig              `yaml:"routing"`
	History  *HistoryConfig              `yaml:"history"`
	Logger   *LoggerConfig               `yaml:"logger"`
	Spaces   map[string]*SpaceDescriptor `yaml:"spaces"`
}

// LoggerConfig governs the gateway's own operational log (distinct from
// the per-space envelope history log, component J): level, whether to
// echo the file log to stdout, and lumberjack rotation knobs.
type LoggerConfig struct {
	Level      string `yaml:"level"`
	Stdout     bool   `yaml:"stdout"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// SocketConfig carries the connection-manager tuning knobs the teacher
// always threads through its own Config (read/write buffer sizes, ping
// cadence, idle timeouts).
type SocketConfig struct {
	ReadBufferSizeBytes  int `yaml:"read_buffer_size_bytes"`
	WriteBufferSizeBytes int `yaml:"write_buffer_size_bytes"`
	MaxMessageSizeBytes  int64 `yaml:"max_message_size_bytes"`
	PingPeriodMs         int `yaml:"ping_period_ms"`
	PongWaitMs           int `yaml:"pong_wait_ms"`
	WriteWaitMs          int `yaml:"write_wait_ms"`
	OutboundQueueSize    int `yaml:"outbound_queue_size"`
	StreamQueueSize      int `yaml:"stream_queue_size"`
	ReconnectGraceMs     int `yaml:"reconnect_grace_ms"`
}

// ProtocolConfig governs which `protocol` tags on inbound envelopes the
// gateway will admit.
type ProtocolConfig struct {
	Current           string   `yaml:"current"`
	AcceptedVersions   []string `yaml:"accepted_versions"`
	StrictUnknownField bool     `yaml:"strict_unknown_fields"`
	EchoToSelf         bool     `yaml:"echo_to_self"`
}

// RoutingConfig governs space-router policy that spec.md leaves
// configurable (per-kind critical-ack, proposal TTL).
type RoutingConfig struct {
	AckOnDeliveryFailure []string `yaml:"ack_on_delivery_failure"`
	ProposalTTLSeconds   int      `yaml:"proposal_ttl_seconds"`
}

// HistoryConfig governs envelope-history rotation.
type HistoryConfig struct {
	MaxSizeMB  int `yaml:"max_size_mb"`
	MaxBackups int `yaml:"max_backups"`
	MaxAgeDays int `yaml:"max_age_days"`
}

// SpaceDescriptor is the declarative per-space document described in
// spec.md §6 ("Configuration (space descriptor)").
type SpaceDescriptor struct {
	ID                  string                         `yaml:"id"`
	Name                string                         `yaml:"name"`
	Participants        map[string]*ParticipantConfig  `yaml:"participants"`
	DefaultCapabilities []CapabilityPattern            `yaml:"-"`
	Defaults            *DefaultsConfig                `yaml:"defaults"`
}

// DefaultsConfig holds a capability set that Space.capabilitiesFor
// prepends to every configured participant's own capabilities. A token
// that matches no participant's token list is rejected by Space.Join;
// these defaults are not applied to it.
type DefaultsConfig struct {
	Capabilities []CapabilityPattern `yaml:"capabilities"`
}

// ParticipantConfig is the subset of a space descriptor's participant
// block the gateway core actually consumes: tokens and capabilities.
// AutoStart/Command/Args/Env/OutputLog/Fifo are read and preserved (so a
// round-tripped descriptor doesn't lose them) but are never acted on by
// the core — they exist for the external process supervisor.
type ParticipantConfig struct {
	Tokens       []string             `yaml:"tokens"`
	Capabilities []CapabilityPattern  `yaml:"capabilities"`
	AutoStart    bool                 `yaml:"auto_start,omitempty"`
	Command      string               `yaml:"command,omitempty"`
	Args         []string             `yaml:"args,omitempty"`
	Env          map[string]string    `yaml:"env,omitempty"`
	OutputLog    string               `yaml:"output_log,omitempty"`
	Fifo         string               `yaml:"fifo,omitempty"`
}

// NewConfig builds a Config with sane defaults, mirroring the teacher's
// NewConfig: a generated node name, a data directory under cwd, and
// nested defaults constructors for each sub-config.
func NewConfig() *config {
	cwd, _ := os.Getwd()
	name := "mewgate-" + strings.Split(uuid.Must(uuid.NewV4()).String(), "-")[0]
	return &config{
		Name:    name,
		DataDir: filepath.Join(cwd, "data"),
		Port:    8765,
		Socket: &SocketConfig{
			ReadBufferSizeBytes:  4096,
			WriteBufferSizeBytes: 4096,
			MaxMessageSizeBytes:  1 << 20,
			PingPeriodMs:         15000,
			PongWaitMs:           20000,
			WriteWaitMs:          5000,
			OutboundQueueSize:    1024,
			StreamQueueSize:      256,
			ReconnectGraceMs:     30000,
		},
		Protocol: &ProtocolConfig{
			Current:            "mew/v0.4",
			AcceptedVersions:   []string{"mew/v0.4"},
			StrictUnknownField: false,
			EchoToSelf:         false,
		},
		Routing: &RoutingConfig{
			AckOnDeliveryFailure: []string{"mcp/request"},
			ProposalTTLSeconds:   300,
		},
		History: &HistoryConfig{
			MaxSizeMB:  32,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		Logger: &LoggerConfig{
			Level:      "info",
			Stdout:     false,
			MaxSizeMB:  32,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		Spaces: make(map[string]*SpaceDescriptor),
	}
}

// LoadConfigFile reads a YAML space-descriptor/gateway-config document
// from path and merges it over the defaults.
func LoadConfigFile(path string) (*config, error) {
	cfg := NewConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

func (c *config) GetName() string                             { return c.Name }
func (c *config) GetDataDir() string                           { return c.DataDir }
func (c *config) GetPort() int                                 { return c.Port }
func (c *config) GetSocket() *SocketConfig                     { return c.Socket }
func (c *config) GetProtocol() *ProtocolConfig                 { return c.Protocol }
func (c *config) GetRouting() *RoutingConfig                   { return c.Routing }
func (c *config) GetHistory() *HistoryConfig                   { return c.History }
func (c *config) GetLogger() *LoggerConfig                     { return c.Logger }
func (c *config) GetSpaces() map[string]*SpaceDescriptor       { return c.Spaces }
