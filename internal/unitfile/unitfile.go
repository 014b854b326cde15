// Package unitfile implements the minimal on-disk unit record reader the
// core consumes (full unit-file parsing — globbing, drop-ins, templated
// instances — is out of scope; this reads the [Unit]/[Service] shape
// described in the external-interfaces section) plus a yaml-based decoder
// for the transient unit descriptor passed over the control surface.
package unitfile

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServiceType mirrors the unit-file Type= value.
type ServiceType string

const (
	TypeSimple  ServiceType = "simple"
	TypeForking ServiceType = "forking"
	TypeOneshot ServiceType = "oneshot"
	TypeNotify  ServiceType = "notify"
	TypeIdle    ServiceType = "idle"
	TypeExec    ServiceType = "exec"
)

// RestartPolicy mirrors Service.Restart=.
type RestartPolicy string

const (
	RestartNo         RestartPolicy = "no"
	RestartOnSuccess  RestartPolicy = "on-success"
	RestartOnFailure  RestartPolicy = "on-failure"
	RestartOnWatchdog RestartPolicy = "on-watchdog"
	RestartOnAbnormal RestartPolicy = "on-abnormal"
	RestartOnAbort    RestartPolicy = "on-abort"
	RestartAlways     RestartPolicy = "always"
)

// RuntimeDirectoryPreserve mirrors RuntimeDirectoryPreserve=.
type RuntimeDirectoryPreserve string

const (
	PreserveNo      RuntimeDirectoryPreserve = "no"
	PreserveRestart RuntimeDirectoryPreserve = "restart"
	PreserveYes     RuntimeDirectoryPreserve = "yes"
)

// ExecCommand is one exec line plus its per-command IgnoreFailure flag,
// which is stored per-command rather than per-unit (a failing command
// flagged IgnoreFailure upgrades only its own result to Success, not every
// command in the unit's list).
type ExecCommand struct {
	Path          string
	Args          []string
	IgnoreFailure bool
}

// Config is the parsed [Unit]/[Service] record for one service unit.
type Config struct {
	// [Unit]
	RefuseManualStart  bool
	RefuseManualStop   bool
	DefaultDependencies bool
	IgnoreOnIsolate    bool
	StartLimitInterval time.Duration
	StartLimitBurst    int
	SuccessAction      string
	FailureAction      string
	StartLimitAction   string
	JobTimeoutAction   string

	// [Service]
	Type                     ServiceType
	ExecCondition            []ExecCommand
	ExecStartPre             []ExecCommand
	ExecStart                []ExecCommand
	ExecStartPost            []ExecCommand
	ExecReload               []ExecCommand
	ExecStop                 []ExecCommand
	ExecStopPost             []ExecCommand
	PIDFile                  string
	NotifyAccess             string
	Restart                  RestartPolicy
	RestartSec               time.Duration
	RestartPreventExitStatus []int
	TimeoutStartSec          time.Duration
	TimeoutStopSec           time.Duration
	WatchdogSec              time.Duration
	WatchdogSignal           string
	RemainAfterExit          bool
	RuntimeDirectoryPreserve RuntimeDirectoryPreserve
}

// Parse reads a systemd-style INI unit file from path and produces a
// Config. Unknown keys are ignored; this is intentionally not a general
// unit-file parser (no drop-ins, no templates, no globbing).
func Parse(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("unitfile: open %s: %w", path, err)
	}
	defer f.Close()

	cfg := &Config{
		Type:                     TypeSimple,
		NotifyAccess:             "none",
		Restart:                  RestartNo,
		RuntimeDirectoryPreserve: PreserveNo,
	}

	section := ""
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.ToLower(strings.Trim(line, "[]"))
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		applyKey(cfg, section, key, value)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("unitfile: read %s: %w", path, err)
	}
	return cfg, nil
}

func applyKey(cfg *Config, section, key, value string) {
	switch section {
	case "unit":
		switch key {
		case "RefuseManualStart":
			cfg.RefuseManualStart = parseBool(value)
		case "RefuseManualStop":
			cfg.RefuseManualStop = parseBool(value)
		case "DefaultDependencies":
			cfg.DefaultDependencies = parseBool(value)
		case "IgnoreOnIsolate":
			cfg.IgnoreOnIsolate = parseBool(value)
		case "StartLimitInterval":
			cfg.StartLimitInterval = parseDuration(value)
		case "StartLimitBurst":
			cfg.StartLimitBurst, _ = strconv.Atoi(value)
		case "SuccessAction":
			cfg.SuccessAction = value
		case "FailureAction":
			cfg.FailureAction = value
		case "StartLimitAction":
			cfg.StartLimitAction = value
		case "JobTimeoutAction":
			cfg.JobTimeoutAction = value
		}
	case "service":
		switch key {
		case "Type":
			cfg.Type = ServiceType(strings.ToLower(value))
		case "ExecCondition":
			cfg.ExecCondition = append(cfg.ExecCondition, parseExecCommand(value))
		case "ExecStartPre":
			cfg.ExecStartPre = append(cfg.ExecStartPre, parseExecCommand(value))
		case "ExecStart":
			cfg.ExecStart = append(cfg.ExecStart, parseExecCommand(value))
		case "ExecStartPost":
			cfg.ExecStartPost = append(cfg.ExecStartPost, parseExecCommand(value))
		case "ExecReload":
			cfg.ExecReload = append(cfg.ExecReload, parseExecCommand(value))
		case "ExecStop":
			cfg.ExecStop = append(cfg.ExecStop, parseExecCommand(value))
		case "ExecStopPost":
			cfg.ExecStopPost = append(cfg.ExecStopPost, parseExecCommand(value))
		case "PIDFile":
			cfg.PIDFile = value
		case "NotifyAccess":
			cfg.NotifyAccess = strings.ToLower(value)
		case "Restart":
			cfg.Restart = RestartPolicy(strings.ToLower(value))
		case "RestartSec":
			cfg.RestartSec = parseDuration(value)
		case "RestartPreventExitStatus":
			for _, f := range strings.Fields(value) {
				if n, err := strconv.Atoi(f); err == nil {
					cfg.RestartPreventExitStatus = append(cfg.RestartPreventExitStatus, n)
				}
			}
		case "TimeoutStartSec":
			cfg.TimeoutStartSec = parseDuration(value)
		case "TimeoutStopSec":
			cfg.TimeoutStopSec = parseDuration(value)
		case "WatchdogSec":
			cfg.WatchdogSec = parseDuration(value)
		case "WatchdogSignal":
			cfg.WatchdogSignal = strings.ToUpper(value)
		case "RemainAfterExit":
			cfg.RemainAfterExit = parseBool(value)
		case "RuntimeDirectoryPreserve":
			cfg.RuntimeDirectoryPreserve = RuntimeDirectoryPreserve(strings.ToLower(value))
		}
	}
}

// parseExecCommand splits a `[-]/path/to/bin arg1 arg2` exec line; a
// leading "-" is the IgnoreFailure marker, matching the unit-file
// convention for "a failing command does not count as a failure".
func parseExecCommand(value string) ExecCommand {
	ignore := strings.HasPrefix(value, "-")
	value = strings.TrimPrefix(value, "-")
	fields := strings.Fields(value)
	cmd := ExecCommand{IgnoreFailure: ignore}
	if len(fields) > 0 {
		cmd.Path = fields[0]
		cmd.Args = fields[1:]
	}
	return cmd
}

func parseBool(v string) bool {
	switch strings.ToLower(v) {
	case "1", "yes", "true", "on":
		return true
	default:
		return false
	}
}

func parseDuration(v string) time.Duration {
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return 0
}

// TransientUnit is the nested descriptor decoded from the control
// surface's start_transient_unit(mode, primary, aux[]) call.
type TransientUnit struct {
	Name       string            `yaml:"name"`
	Mode       string            `yaml:"mode"`
	Properties map[string]string `yaml:"properties"`
	Aux        []TransientUnit   `yaml:"aux,omitempty"`
}

// DecodeTransientUnit parses a yaml-encoded transient unit descriptor.
func DecodeTransientUnit(data []byte) (*TransientUnit, error) {
	var t TransientUnit
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("unitfile: decode transient unit: %w", err)
	}
	return &t, nil
}
