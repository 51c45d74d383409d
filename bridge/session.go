// Package bridge exposes a loaded network to a numeric host environment
// through a fixed table of named commands. All state lives in a Session;
// a session runs one command at a time.
package bridge

import (
	"encoding/binary"
	"io"
	"log/slog"

	"github.com/google/uuid"

	"github.com/tsawler/go-netbridge/engine"
	"github.com/tsawler/go-netbridge/memory"
)

// SentinelToken is the session token while no network is loaded
const SentinelToken = -2

// DefaultEngine is the engine init uses unless WithEngine says otherwise
const DefaultEngine = "reference"

type state int

const (
	stateIdle state = iota
	stateExecuting
)

// Session owns the loaded network and the ambient settings every command
// runs under. The zero value is not usable; call NewSession.
type Session struct {
	id         string
	logger     *slog.Logger
	engineName string

	net   engine.Net
	token int64

	mode    memory.DeviceType
	phase   engine.Phase
	device  int
	devices []memory.Device
	scratch *memory.MemoryManager

	state  state
	failed *Error
}

// Option configures a Session
type Option func(*Session)

// WithLogger sets the session logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithEngine selects the registered engine used by init
func WithEngine(name string) Option {
	return func(s *Session) { s.engineName = name }
}

// WithMode sets the initial device mode
func WithMode(mode memory.DeviceType) Option {
	return func(s *Session) { s.mode = mode }
}

// WithDevices attaches accelerators; device i has ordinal i. Without this
// option a session gets one simulated accelerator.
func WithDevices(devices ...memory.Device) Option {
	return func(s *Session) { s.devices = append([]memory.Device{}, devices...) }
}

// WithDevice selects the initial accelerator ordinal
func WithDevice(id int) Option {
	return func(s *Session) { s.device = id }
}

// NewSession returns a session with no network loaded, the sentinel token,
// CPU mode and the test phase unless options say otherwise.
func NewSession(opts ...Option) *Session {
	s := &Session{
		id:         uuid.NewString(),
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		engineName: DefaultEngine,
		token:      SentinelToken,
		mode:       memory.CPU,
		phase:      engine.Test,
		scratch:    memory.NewMemoryManager(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.devices == nil {
		s.devices = SimDevices(1)
	}
	s.logger = s.logger.With("session", s.id)
	return s
}

// SimDevices creates n simulated accelerators
func SimDevices(n int) []memory.Device {
	devices := make([]memory.Device, n)
	for i := range devices {
		devices[i] = memory.NewSimDevice(i)
	}
	return devices
}

// ID returns the session's unique identifier
func (s *Session) ID() string { return s.id }

// Initialized reports whether a network is loaded
func (s *Session) Initialized() bool { return s.net != nil }

// Token returns the current session token
func (s *Session) Token() int64 { return s.token }

// Mode returns the device mode used by tensor copies
func (s *Session) Mode() memory.DeviceType { return s.mode }

// Phase returns the engine phase
func (s *Session) Phase() engine.Phase { return s.phase }

// Device returns the selected accelerator ordinal
func (s *Session) Device() int { return s.device }

// NumDevices returns how many accelerators are attached
func (s *Session) NumDevices() int { return len(s.devices) }

// Net returns the loaded network, or nil
func (s *Session) Net() engine.Net { return s.net }

// Scratch returns the pool that backs per-call engine buffers
func (s *Session) Scratch() *memory.MemoryManager { return s.scratch }

// Err returns the internal error that ended the session, if any
func (s *Session) Err() error {
	if s.failed == nil {
		return nil
	}
	return s.failed
}

// Close unloads the network
func (s *Session) Close() {
	s.unload()
}

func (s *Session) engineContext() engine.Context {
	ctx := engine.Context{
		Mode:    s.mode,
		Phase:   s.phase,
		Device:  s.device,
		Scratch: s.scratch,
	}
	if s.device >= 0 && s.device < len(s.devices) {
		ctx.Accelerator = s.devices[s.device]
	}
	return ctx
}

func (s *Session) unload() {
	if s.net == nil {
		return
	}
	s.net.Close()
	s.net = nil
	s.token = SentinelToken
	s.logger.Info("network reset, call init before using it again")
}

// newToken returns a random non-negative 31-bit token different from prev
func newToken(prev int64) int64 {
	for {
		u := uuid.New()
		t := int64(binary.BigEndian.Uint32(u[:4]) & 0x7fffffff)
		if t != prev {
			return t
		}
	}
}
