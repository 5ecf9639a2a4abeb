// config.go - node configuration.
// SPDX-FileCopyrightText: © 2023 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package config handles the TOML node configuration.
package config

import (
	"fmt"
	"io/ioutil"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/katzenpost/tinyos/kernel"
	"github.com/katzenpost/tinyos/stream"
)

const (
	defaultTickIntervalMs      = 100
	defaultMaxPacket           = 4096
	defaultRetransmitInitialMs = 100
	defaultRetransmitCapMs     = 12800
	defaultCloseLingerMs       = 15000
)

// Kernel is the scheduler and clock configuration.
type Kernel struct {
	// TickIntervalMs is the clock period in milliseconds.
	TickIntervalMs int

	// ManualClock disables the wall clock; ticks are driven explicitly.
	// Only simulations want this.
	ManualClock bool

	// LevelVisitQuanta is the per level visit quota, highest level first.
	LevelVisitQuanta []int

	// ThreadQuanta is the per thread, per level run budget.
	ThreadQuanta []int
}

func (k *Kernel) validate() error {
	if k.TickIntervalMs < 0 {
		return fmt.Errorf("config: Kernel: TickIntervalMs must not be negative")
	}
	if k.TickIntervalMs == 0 {
		k.TickIntervalMs = defaultTickIntervalMs
	}
	if len(k.LevelVisitQuanta) != len(k.ThreadQuanta) {
		return fmt.Errorf("config: Kernel: LevelVisitQuanta/ThreadQuanta length mismatch")
	}
	return nil
}

// Runtime returns the kernel runtime configuration.
func (k *Kernel) Runtime() *kernel.Config {
	return &kernel.Config{
		TickInterval:     time.Duration(k.TickIntervalMs) * time.Millisecond,
		ManualClock:      k.ManualClock,
		LevelVisitQuanta: k.LevelVisitQuanta,
		ThreadQuanta:     k.ThreadQuanta,
	}
}

// Net is the transport layer configuration.
type Net struct {
	// MaxPacket bounds header plus payload for one packet.
	MaxPacket int

	// RetransmitInitialMs is the first stream retransmit timeout; it
	// doubles up to RetransmitCapMs.
	RetransmitInitialMs int
	RetransmitCapMs     int

	// CloseLingerMs is the CLOSING linger period.
	CloseLingerMs int
}

func (n *Net) validate() error {
	if n.MaxPacket == 0 {
		n.MaxPacket = defaultMaxPacket
	}
	if n.MaxPacket < 64 {
		return fmt.Errorf("config: Net: MaxPacket too small: %d", n.MaxPacket)
	}
	if n.RetransmitInitialMs == 0 {
		n.RetransmitInitialMs = defaultRetransmitInitialMs
	}
	if n.RetransmitCapMs == 0 {
		n.RetransmitCapMs = defaultRetransmitCapMs
	}
	if n.RetransmitCapMs < n.RetransmitInitialMs {
		return fmt.Errorf("config: Net: RetransmitCapMs below RetransmitInitialMs")
	}
	if n.CloseLingerMs == 0 {
		n.CloseLingerMs = defaultCloseLingerMs
	}
	return nil
}

// Stream returns the stream layer configuration.
func (n *Net) Stream() stream.Config {
	return stream.Config{
		MaxPacket:         n.MaxPacket,
		RetransmitInitial: time.Duration(n.RetransmitInitialMs) * time.Millisecond,
		RetransmitCap:     time.Duration(n.RetransmitCapMs) * time.Millisecond,
		CloseLinger:       time.Duration(n.CloseLingerMs) * time.Millisecond,
	}
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File is the log file, empty for stdout.
	File string

	// Level is the log level.
	Level string
}

func (l *Logging) validate() error {
	switch l.Level {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG", "":
	default:
		return fmt.Errorf("config: Logging: invalid Level: '%v'", l.Level)
	}
	if l.Level == "" {
		l.Level = "NOTICE"
	}
	return nil
}

// Config is a node configuration.
type Config struct {
	Kernel  *Kernel
	Net     *Net
	Logging *Logging
}

// FixupAndValidate applies defaults and validates the configuration.
func (cfg *Config) FixupAndValidate() error {
	if cfg.Kernel == nil {
		cfg.Kernel = &Kernel{}
	}
	if cfg.Net == nil {
		cfg.Net = &Net{}
	}
	if cfg.Logging == nil {
		cfg.Logging = &Logging{}
	}
	if err := cfg.Kernel.validate(); err != nil {
		return err
	}
	if err := cfg.Net.validate(); err != nil {
		return err
	}
	return cfg.Logging.validate()
}

// Load parses and validates a configuration from TOML.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads and validates a configuration file.
func LoadFile(f string) (*Config, error) {
	b, err := ioutil.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
