// Package envconfig reads netbridge settings from the environment
package envconfig

import (
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/tsawler/go-netbridge/memory"
)

// Host returns the listen address of the command server
// Configurable via NETBRIDGE_HOST
// Default: 127.0.0.1:8765
func Host() string {
	if s := Var("NETBRIDGE_HOST"); s != "" {
		return s
	}
	return "127.0.0.1:8765"
}

// Engine returns the registered engine used by init
// Configurable via NETBRIDGE_ENGINE
// Default: reference
func Engine() string {
	if s := Var("NETBRIDGE_ENGINE"); s != "" {
		return s
	}
	return "reference"
}

// LogLevel returns the log level
// Configurable via NETBRIDGE_DEBUG
// Values: 0/false = INFO (default), 1/true = DEBUG, 2 = TRACE
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("NETBRIDGE_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}

	return level
}

// Mode returns the initial device mode
// Configurable via NETBRIDGE_MODE (cpu or gpu)
// Default: cpu
func Mode() memory.DeviceType {
	s := Var("NETBRIDGE_MODE")
	mode, err := memory.ParseDeviceType(s)
	if err != nil {
		slog.Warn("invalid environment variable, using default", "key", "NETBRIDGE_MODE", "value", s, "default", memory.CPU)
		return memory.CPU
	}
	return mode
}

// Device returns the initial accelerator ordinal
// Configurable via NETBRIDGE_DEVICE
var Device = Uint("NETBRIDGE_DEVICE", 0)

// NumDevices returns how many simulated accelerators a session attaches
// Configurable via NETBRIDGE_NUM_DEVICES
var NumDevices = Uint("NETBRIDGE_NUM_DEVICES", 1)

// Uint returns a getter for an unsigned integer with a default
func Uint(key string, defaultValue uint) func() uint {
	return func() uint {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return uint(n)
			}
		}
		return defaultValue
	}
}

// EnvVar describes one setting for usage output
type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// AsMap returns every setting with its current value
func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"NETBRIDGE_HOST":        {"NETBRIDGE_HOST", Host(), "Listen address of the command server (default 127.0.0.1:8765)"},
		"NETBRIDGE_ENGINE":      {"NETBRIDGE_ENGINE", Engine(), "Engine used to load networks (default \"reference\")"},
		"NETBRIDGE_DEBUG":       {"NETBRIDGE_DEBUG", LogLevel(), "Show additional debug information (e.g. NETBRIDGE_DEBUG=1)"},
		"NETBRIDGE_MODE":        {"NETBRIDGE_MODE", Mode(), "Initial device mode, cpu or gpu"},
		"NETBRIDGE_DEVICE":      {"NETBRIDGE_DEVICE", Device(), "Initial accelerator ordinal"},
		"NETBRIDGE_NUM_DEVICES": {"NETBRIDGE_NUM_DEVICES", NumDevices(), "Number of simulated accelerators (default 1)"},
	}
}

// Var returns an environment variable stripped of surrounding quotes and spaces
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}
