// Package config provides YAML configuration loading and validation for the
// tracerv pipeline.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure for a tracerv run.
type Config struct {
	// Tracefile enables tracing and prefixes all per-binary output files.
	// If empty, the core consumes and discards beats.
	Tracefile string `yaml:"tracefile"`

	// DwarfFileName identifies the kernel DWARF file name under
	// <dwarf_dir>/kernel/. Required in fireperf mode.
	DwarfFileName string `yaml:"dwarf_file_name"`

	// DwarfDir is the root of the on-disk binary layout
	// (<dwarf_dir>/kernel/..., <dwarf_dir>/user/<prog>/...).
	DwarfDir string `yaml:"dwarf_dir"`

	// TraceSelect selects the FPGA-side trigger source: 0=cycle range,
	// 1=PC range, 2=instruction-word match, 3=reserved.
	TraceSelect int `yaml:"trace_select"`

	// TraceStart/TraceEnd are overloaded per TraceSelect: decimal cycles,
	// hex PCs, or "(mask<<32)|inst" packed as a hex string.
	TraceStart string `yaml:"trace_start"`
	TraceEnd   string `yaml:"trace_end"`

	// TraceOutputFormat selects 0=human-readable, 1=raw little-endian
	// binary, 2=fireperf (region-tracking). Only mode 2 uses the
	// matcher+tracker pipeline.
	TraceOutputFormat int `yaml:"trace_output_format"`

	// TraceTestOutput, when true, writes every beat as concatenated hex
	// lines to a reference file alongside Tracefile.
	TraceTestOutput bool `yaml:"trace_test_output"`

	// MaxCoreIPC bounds the number of per-beat slots examined in
	// non-userspace mode. Must be in [1, 7].
	MaxCoreIPC int `yaml:"max_core_ipc"`

	// Userspace selects beat-decoding mode (§4.6): true decodes only slot
	// 0 with inst/satp/priv populated; false iterates up to MaxCoreIPC
	// slots with inst/satp/priv left zero.
	Userspace bool `yaml:"userspace"`

	// MatchingDepth is MATCHING_DEPTH: the number of neighbor tokens
	// consulted during multi-instruction disambiguation. Must be > 0.
	MatchingDepth int `yaml:"matching_depth"`

	// BufferSize is BUFFER_SIZE: the retired-token buffer's target
	// capacity. Defaults to 2048 when zero.
	BufferSize int `yaml:"buffer_size"`

	// LivePublishAddr, when set, enables the Live Region Publisher against
	// this "host:port".
	LivePublishAddr string `yaml:"live_publish_addr"`

	// StatusAddr, when set, enables the Status/Query Service listening on
	// this "host:port".
	StatusAddr string `yaml:"status_addr"`

	// StatusJWTPublicKeyPath, when set, requires a valid RS256 bearer
	// token on every Status/Query Service request except /healthz. Empty
	// disables authentication.
	StatusJWTPublicKeyPath string `yaml:"status_jwt_public_key_path"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Load reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all required fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// applyDefaults fills in zero-value optional fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = 2048
	}
	if cfg.MaxCoreIPC == 0 {
		cfg.MaxCoreIPC = 4
	}
}

// validate checks that all required fields are populated and that
// enumerated fields contain only valid values.
func validate(cfg *Config) error {
	var errs []error

	if cfg.TraceOutputFormat < 0 || cfg.TraceOutputFormat > 2 {
		errs = append(errs, fmt.Errorf("trace_output_format %d must be one of: 0, 1, 2", cfg.TraceOutputFormat))
	}
	if cfg.TraceOutputFormat == 2 && cfg.DwarfDir == "" {
		errs = append(errs, errors.New("dwarf_dir is required when trace_output_format is 2 (fireperf mode)"))
	}
	if cfg.TraceOutputFormat == 2 && cfg.DwarfFileName == "" {
		errs = append(errs, errors.New("dwarf_file_name is required when trace_output_format is 2 (fireperf mode)"))
	}
	if cfg.TraceSelect < 0 || cfg.TraceSelect > 3 {
		errs = append(errs, fmt.Errorf("trace_select %d must be one of: 0, 1, 2, 3", cfg.TraceSelect))
	}
	if cfg.MatchingDepth <= 0 {
		errs = append(errs, fmt.Errorf("matching_depth %d must be > 0", cfg.MatchingDepth))
	}
	if cfg.MaxCoreIPC <= 0 || cfg.MaxCoreIPC > 7 {
		errs = append(errs, fmt.Errorf("max_core_ipc %d must be in [1, 7]", cfg.MaxCoreIPC))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.TraceStart != "" {
		if _, err := parseTraceBound(cfg.TraceSelect, cfg.TraceStart); err != nil {
			errs = append(errs, fmt.Errorf("trace_start: %w", err))
		}
	}
	if cfg.TraceEnd != "" {
		if _, err := parseTraceBound(cfg.TraceSelect, cfg.TraceEnd); err != nil {
			errs = append(errs, fmt.Errorf("trace_end: %w", err))
		}
	}

	return errors.Join(errs...)
}

// parseTraceBound parses trace_start/trace_end per the selector-dependent
// overload (§6): decimal cycles for selector 0, hex PCs for selector 1, and
// a packed "(mask<<32)|inst" hex value for selector 2.
func parseTraceBound(selector int, s string) (uint64, error) {
	switch selector {
	case 0:
		return strconv.ParseUint(s, 10, 64)
	case 1, 2:
		return strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
	default:
		return 0, fmt.Errorf("cannot parse bound for unknown trace_select %d", selector)
	}
}
