// Package config assembles the engine's configuration: defaults baked
// in, optionally overridden from a JSON file on disk, covering the
// protocol knobs, the network identity, and the ambient sinks.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/cerera/bft/internal/seqno"
)

const (
	DefaultP2pPort    = 6116
	DefaultHttpPort   = 1337
	DefaultWatermark  = 8
	DefaultBatchSize  = 64
	DefaultFirstCli   = 1000
	DefaultCheckpoint = 100
)

// ProtocolConfig carries the consensus knobs of spec §6.
type ProtocolConfig struct {
	N                 int           // total replicas
	F                 uint          // tolerated faults
	BatchSize         int           // max ordered batch length
	ClientsPerPool    int           // request intake parallelism
	BatchTimeout      time.Duration // between proposer wakeups
	BatchSleep        time.Duration // between empty polls
	Watermark         int           // in-flight decisions cap W
	CstBaseTimeout    time.Duration
	ViewChangeTimeout time.Duration
	CheckpointPeriod  int  // sequences between stable checkpoints
	AllowUnsound      bool // proceed on an unsound view change (BFT-SMaRt convention)
}

// NetworkConfig carries this node's identity and the quorum map.
type NetworkConfig struct {
	NodeID    seqno.NodeID
	FirstCli  seqno.NodeID
	P2pPort   int
	HttpPort  int // serves /metrics and the observer websocket
	Mnemonic  string
	Pass      string
	PeerAddrs map[seqno.NodeID]string // multiaddr per quorum member
	PeerKeys  map[seqno.NodeID]string // PEM public key per quorum member
	EnableNAT bool
	EnableDHT bool
}

// LogConfig mirrors the logger package's sink options.
type LogConfig struct {
	Path    string
	Level   string
	Console bool
}

// Config is the full engine configuration.
type Config struct {
	Protocol ProtocolConfig
	Network  NetworkConfig
	Log      LogConfig
	LogPath  string // persistent decision-log file
}

// Default returns a runnable single-machine configuration for the
// smallest live quorum (n=4, f=1).
func Default() *Config {
	return &Config{
		Protocol: ProtocolConfig{
			N:                 4,
			F:                 1,
			BatchSize:         DefaultBatchSize,
			ClientsPerPool:    8,
			BatchTimeout:      2 * time.Millisecond,
			BatchSleep:        500 * time.Microsecond,
			Watermark:         DefaultWatermark,
			CstBaseTimeout:    2 * time.Second,
			ViewChangeTimeout: 10 * time.Second,
			CheckpointPeriod:  DefaultCheckpoint,
			AllowUnsound:      true,
		},
		Network: NetworkConfig{
			NodeID:   0,
			FirstCli: DefaultFirstCli,
			P2pPort:  DefaultP2pPort,
			HttpPort: DefaultHttpPort,
		},
		Log: LogConfig{
			Level:   "info",
			Console: true,
		},
		LogPath: "bft.log.d",
	}
}

// Load reads path over the defaults; a missing path returns defaults
// untouched.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate enforces the structural invariants the view constructor
// also asserts, so a bad file fails at startup rather than mid-protocol.
func (c *Config) Validate() error {
	p := c.Protocol
	if uint(p.N) < 3*p.F+1 {
		return fmt.Errorf("config: n=%d cannot tolerate f=%d faults (need n >= %d)", p.N, p.F, 3*p.F+1)
	}
	if p.Watermark < 1 {
		return fmt.Errorf("config: watermark must be >= 1, got %d", p.Watermark)
	}
	if p.BatchSize < 1 {
		return fmt.Errorf("config: batch size must be >= 1, got %d", p.BatchSize)
	}
	if c.Network.NodeID >= c.Network.FirstCli {
		return fmt.Errorf("config: replica id %s must be below first_cli %s", c.Network.NodeID, c.Network.FirstCli)
	}
	return nil
}

// Save writes the configuration back out as indented JSON.
func (c *Config) Save(path string) error {
	raw, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// Members lists the quorum's NodeIDs in order: 0..n-1.
func (c *Config) Members() []seqno.NodeID {
	out := make([]seqno.NodeID, c.Protocol.N)
	for i := range out {
		out[i] = seqno.NodeID(i)
	}
	return out
}
