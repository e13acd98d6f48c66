package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fireperf/tracerv/internal/config"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	f.Close()
	return f.Name()
}

const validYAML = `
tracefile: "/var/log/tracerv/run"
dwarf_file_name: "vmlinux"
dwarf_dir: "/srv/fireperf/bins"
trace_select: 0
trace_output_format: 2
max_core_ipc: 4
matching_depth: 8
buffer_size: 4096
log_level: debug
`

func TestLoadValid(t *testing.T) {
	path := writeTemp(t, validYAML)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DwarfDir != "/srv/fireperf/bins" {
		t.Errorf("DwarfDir = %q", cfg.DwarfDir)
	}
	if cfg.MatchingDepth != 8 {
		t.Errorf("MatchingDepth = %d, want 8", cfg.MatchingDepth)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}

func TestLoadDefaults(t *testing.T) {
	yaml := `
trace_output_format: 0
trace_select: 0
matching_depth: 1
`
	path := writeTemp(t, yaml)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("default LogLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.BufferSize != 2048 {
		t.Errorf("default BufferSize = %d, want 2048", cfg.BufferSize)
	}
	if cfg.MaxCoreIPC != 4 {
		t.Errorf("default MaxCoreIPC = %d, want 4", cfg.MaxCoreIPC)
	}
}

func TestLoadFireperfModeRequiresDwarf(t *testing.T) {
	yaml := `
trace_output_format: 2
trace_select: 0
matching_depth: 1
`
	path := writeTemp(t, yaml)
	_, err := config.Load(path)
	if err == nil {
		t.Fatal("expected error for missing dwarf_dir/dwarf_file_name in fireperf mode")
	}
	if !strings.Contains(err.Error(), "dwarf_dir") || !strings.Contains(err.Error(), "dwarf_file_name") {
		t.Errorf("error %q does not mention both missing fields", err.Error())
	}
}

func TestLoadInvalidTraceOutputFormat(t *testing.T) {
	yaml := `
trace_output_format: 9
trace_select: 0
matching_depth: 1
`
	path := writeTemp(t, yaml)
	_, err := config.Load(path)
	if err == nil || !strings.Contains(err.Error(), "trace_output_format") {
		t.Fatalf("expected trace_output_format error, got %v", err)
	}
}

func TestLoadInvalidMaxCoreIPC(t *testing.T) {
	yaml := `
trace_output_format: 0
trace_select: 0
matching_depth: 1
max_core_ipc: 8
`
	path := writeTemp(t, yaml)
	_, err := config.Load(path)
	if err == nil || !strings.Contains(err.Error(), "max_core_ipc") {
		t.Fatalf("expected max_core_ipc error, got %v", err)
	}
}

func TestLoadInvalidMatchingDepth(t *testing.T) {
	yaml := `
trace_output_format: 0
trace_select: 0
matching_depth: 0
`
	path := writeTemp(t, yaml)
	_, err := config.Load(path)
	if err == nil || !strings.Contains(err.Error(), "matching_depth") {
		t.Fatalf("expected matching_depth error, got %v", err)
	}
}

func TestLoadInvalidLogLevel(t *testing.T) {
	yaml := `
trace_output_format: 0
trace_select: 0
matching_depth: 1
log_level: "verbose"
`
	path := writeTemp(t, yaml)
	_, err := config.Load(path)
	if err == nil || !strings.Contains(err.Error(), "log_level") {
		t.Fatalf("expected log_level error, got %v", err)
	}
}

func TestLoadTraceBoundSelectorDependentParsing(t *testing.T) {
	yaml := `
trace_output_format: 0
trace_select: 1
matching_depth: 1
trace_start: "0xdeadbeef"
trace_end: "0xfeedface"
`
	path := writeTemp(t, yaml)
	if _, err := config.Load(path); err != nil {
		t.Fatalf("unexpected error for valid hex trace bounds: %v", err)
	}
}

func TestLoadTraceBoundWrongBase(t *testing.T) {
	yaml := `
trace_output_format: 0
trace_select: 0
matching_depth: 1
trace_start: "0xdeadbeef"
`
	path := writeTemp(t, yaml)
	_, err := config.Load(path)
	if err == nil || !strings.Contains(err.Error(), "trace_start") {
		t.Fatalf("expected trace_start parse error for decimal selector given hex input, got %v", err)
	}
}

func TestLoadFileNotFound(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nonexistent.yaml")
	if _, err := config.Load(missing); err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeTemp(t, ":::invalid yaml:::")
	if _, err := config.Load(path); err == nil {
		t.Fatal("expected error for invalid YAML, got nil")
	}
}
