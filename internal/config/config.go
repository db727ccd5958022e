// Package config loads node and replication settings from GHOST_*
// environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Replication tunes the replicator. Times are in seconds of network time.
type Replication struct {
	IAmInterval    float64 `env:"GHOST_IAM_INTERVAL"     envDefault:"0.5"`
	MaxPendingIAm  int     `env:"GHOST_MAX_PENDING_IAM"  envDefault:"4"`
	PingInterval   float64 `env:"GHOST_PING_INTERVAL"    envDefault:"1"`
	MaxPendingPing int     `env:"GHOST_MAX_PENDING_PING" envDefault:"4"`
	MaxErrorCount  int     `env:"GHOST_MAX_ERROR_COUNT"  envDefault:"4"`

	NearInterval float64 `env:"GHOST_NEAR_INTERVAL" envDefault:"0.05"`
	FarInterval  float64 `env:"GHOST_FAR_INTERVAL"  envDefault:"0.25"`
	FarDistance  float64 `env:"GHOST_FAR_DISTANCE"  envDefault:"50"`

	// MaxTickOffset bounds the forward offset applied to a newer sample.
	MaxTickOffset float64 `env:"GHOST_MAX_TICK_OFFSET" envDefault:"0.1"`

	// InitialTimeOffset biases the clock target ahead of the primary.
	InitialTimeOffset float64 `env:"GHOST_INITIAL_TIME_OFFSET" envDefault:"0.1"`
	SyncWindow        float64 `env:"GHOST_SYNC_WINDOW"         envDefault:"0.5"`
	MinSyncGain       float64 `env:"GHOST_MIN_SYNC_GAIN"       envDefault:"0.1"`
	MaxTimeAdjust     float64 `env:"GHOST_MAX_TIME_ADJUST"     envDefault:"0.01"`

	DeltaFrames   bool `env:"GHOST_DELTA_FRAMES"   envDefault:"false"`
	KeyframeEvery int  `env:"GHOST_KEYFRAME_EVERY" envDefault:"10"`
}

// Node configures the ghost-node daemon.
type Node struct {
	Name   string   `env:"GHOST_NAME"`
	Home   string   `env:"GHOST_HOME"`
	Listen string   `env:"GHOST_LISTEN" envDefault:"127.0.0.1:4460"`
	Peers  []string `env:"GHOST_PEERS"  envSeparator:","`

	TickHz    int    `env:"GHOST_TICK_HZ"    envDefault:"30"`
	PrimaryID uint64 `env:"GHOST_PRIMARY_ID"`

	SceneID      uint64  `env:"GHOST_SCENE_ID"      envDefault:"1"`
	PatrolRadius float64 `env:"GHOST_PATROL_RADIUS" envDefault:"10"`

	MetricsPath     string        `env:"GHOST_METRICS_PATH"`
	MetricsInterval time.Duration `env:"GHOST_METRICS_INTERVAL" envDefault:"5s"`

	MaxConnsPerIP   int           `env:"GHOST_MAX_CONNS_PER_IP"   envDefault:"8"`
	MaxStreamsPerIP int           `env:"GHOST_MAX_STREAMS_PER_IP" envDefault:"32"`
	InboundRate     float64       `env:"GHOST_INBOUND_RATE"       envDefault:"400"`
	InboundBurst    int           `env:"GHOST_INBOUND_BURST"      envDefault:"800"`
	DialBackoff     time.Duration `env:"GHOST_DIAL_BACKOFF"       envDefault:"2s"`
	// CAPath is a PEM bundle trusted for peer certificates. Empty pins the
	// shared development certificate.
	CAPath string `env:"GHOST_TLS_CA"`

	Pprof            bool   `env:"GHOST_PPROF"`
	PprofAddr        string `env:"GHOST_PPROF_ADDR"         envDefault:"127.0.0.1:6060"`
	PprofAllowPublic bool   `env:"GHOST_PPROF_ALLOW_PUBLIC"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

func LoadReplication() (Replication, error) {
	var cfg Replication
	if err := ParseEnv(&cfg); err != nil {
		return Replication{}, err
	}
	return cfg, cfg.Validate()
}

func LoadNode() (Node, error) {
	var cfg Node
	if err := ParseEnv(&cfg); err != nil {
		return Node{}, err
	}
	return cfg, cfg.Validate()
}

// DefaultReplication returns the built-in defaults without reading the
// environment.
func DefaultReplication() Replication {
	var cfg Replication
	_ = env.ParseWithOptions(&cfg, env.Options{Environment: map[string]string{}})
	return cfg
}

func (c Replication) Validate() error {
	switch {
	case c.IAmInterval <= 0:
		return fmt.Errorf("GHOST_IAM_INTERVAL must be positive")
	case c.PingInterval <= 0:
		return fmt.Errorf("GHOST_PING_INTERVAL must be positive")
	case c.NearInterval <= 0 || c.FarInterval < c.NearInterval:
		return fmt.Errorf("GHOST_FAR_INTERVAL must be >= GHOST_NEAR_INTERVAL > 0")
	case c.FarDistance <= 0:
		return fmt.Errorf("GHOST_FAR_DISTANCE must be positive")
	case c.SyncWindow <= 0:
		return fmt.Errorf("GHOST_SYNC_WINDOW must be positive")
	case c.MinSyncGain < 0 || c.MinSyncGain > 1:
		return fmt.Errorf("GHOST_MIN_SYNC_GAIN must be in [0,1]")
	case c.MaxTimeAdjust < 0 || c.MaxTickOffset < 0:
		return fmt.Errorf("time adjustment bounds must not be negative")
	case c.MaxErrorCount <= 0 || c.MaxPendingIAm <= 0 || c.MaxPendingPing <= 0:
		return fmt.Errorf("failure thresholds must be positive")
	case c.DeltaFrames && c.KeyframeEvery <= 0:
		return fmt.Errorf("GHOST_KEYFRAME_EVERY must be positive with delta frames")
	}
	return nil
}

func (c Node) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("GHOST_LISTEN must not be empty")
	}
	if c.TickHz <= 0 || c.TickHz > 1000 {
		return fmt.Errorf("GHOST_TICK_HZ out of range: %d", c.TickHz)
	}
	if c.InboundRate <= 0 || c.InboundBurst <= 0 {
		return fmt.Errorf("inbound rate and burst must be positive")
	}
	return nil
}

// TickInterval is the wall-clock period of one replication tick.
func (c Node) TickInterval() time.Duration {
	return time.Second / time.Duration(c.TickHz)
}
