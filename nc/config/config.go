// SPDX-FileCopyrightText: (c) 2024 The rcs-collector authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package config provides the network controller configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	defaultAddress          = ":4444"
	defaultLogLevel         = "NOTICE"
	defaultTransferInterval = 1000 // 1 sec.
	defaultTransferWorkers  = 8
	defaultForwardTimeout   = 300 // 300 sec.
	defaultEvidenceDB       = "evidence.db"
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Server is the network controller configuration.
type Server struct {
	// Identifier is the human readable identifier for the node.
	Identifier string

	// LocalInstance is the instance id of this node's own anonymizer
	// record, used to locate the head of the forwarding chain.
	LocalInstance string

	// Addresses are the listener addresses the controller binds to for
	// inbound element and DB traffic.
	Addresses []string

	// MetricsAddress is the address/port to bind the prometheus metrics
	// endpoint to. Metrics are disabled when empty.
	MetricsAddress string

	// DataDir is the absolute path to the controller's state files.
	DataDir string

	// DBAddress is the base URL of the upstream metadata store.
	DBAddress string
}

func (sCfg *Server) validate() error {
	if sCfg.Identifier == "" {
		return errors.New("config: Server: Identifier is not set")
	}
	if sCfg.DataDir == "" || !filepath.IsAbs(sCfg.DataDir) {
		return fmt.Errorf("config: Server: DataDir '%v' is not an absolute path", sCfg.DataDir)
	}
	if sCfg.DBAddress == "" {
		return errors.New("config: Server: DBAddress is not set")
	}
	if len(sCfg.Addresses) == 0 {
		sCfg.Addresses = []string{defaultAddress}
	}
	return nil
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	switch strings.ToUpper(lCfg.Level) {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lCfg.Level = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = strings.ToUpper(lCfg.Level)
	return nil
}

// Transfer is the evidence transfer worker configuration.
type Transfer struct {
	// Interval is the supervisor tick interval in milliseconds.
	Interval int

	// NumWorkers is the maximum number of concurrent per-instance
	// dispatch tasks.
	NumWorkers int

	// EvidenceDB is the local evidence store file, relative to DataDir
	// unless absolute.
	EvidenceDB string
}

func (tCfg *Transfer) applyDefaults(sCfg *Server) {
	if tCfg.Interval <= 0 {
		tCfg.Interval = defaultTransferInterval
	}
	if tCfg.NumWorkers <= 0 {
		tCfg.NumWorkers = defaultTransferWorkers
	}
	if tCfg.EvidenceDB == "" {
		tCfg.EvidenceDB = defaultEvidenceDB
	}
	if !filepath.IsAbs(tCfg.EvidenceDB) {
		tCfg.EvidenceDB = filepath.Join(sCfg.DataDir, tCfg.EvidenceDB)
	}
}

// Debug is the debug configuration.
type Debug struct {
	// ForwardTimeout is the read and total deadline, in seconds, applied
	// to outbound anonymizer round-trips.
	ForwardTimeout int
}

func (dCfg *Debug) applyDefaults() {
	if dCfg.ForwardTimeout <= 0 {
		dCfg.ForwardTimeout = defaultForwardTimeout
	}
}

// Config is the top level network controller configuration.
type Config struct {
	Server   *Server
	Logging  *Logging
	Transfer *Transfer
	Debug    *Debug
}

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration.
func (cfg *Config) FixupAndValidate() error {
	if cfg.Server == nil {
		return errors.New("config: No Server block was present")
	}
	if cfg.Logging == nil {
		cfg.Logging = &defaultLogging
	}
	if cfg.Transfer == nil {
		cfg.Transfer = &Transfer{}
	}
	if cfg.Debug == nil {
		cfg.Debug = &Debug{}
	}

	if err := cfg.Server.validate(); err != nil {
		return err
	}
	if err := cfg.Logging.validate(); err != nil {
		return err
	}
	cfg.Transfer.applyDefaults(cfg.Server)
	cfg.Debug.applyDefaults()

	return nil
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
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

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
