package bridge

import (
	"errors"
	"fmt"

	"github.com/agnivade/levenshtein"

	"github.com/tsawler/go-netbridge/host"
)

// Command identifies one entry of the command table
type Command int

const (
	CmdInit Command = iota
	CmdIsInitialized
	CmdReset
	CmdForward
	CmdBackward
	CmdGetGradients
	CmdGetFeatures
	CmdGetWeights
	CmdGetBlobs
	CmdSetModeCPU
	CmdSetModeGPU
	CmdSetPhaseTrain
	CmdSetPhaseTest
	CmdSetDevice
	CmdGetInitKey
	CmdReadMean
)

type handler func(s *Session, args []host.Value, nout int) ([]host.Value, error)

type entry struct {
	name string
	cmd  Command
	fn   handler
}

// commandTable is searched in order; the first matching name wins
var commandTable = []entry{
	{"init", CmdInit, cmdInit},
	{"is_initialized", CmdIsInitialized, cmdIsInitialized},
	{"reset", CmdReset, cmdReset},
	{"forward", CmdForward, cmdForward},
	{"backward", CmdBackward, cmdBackward},
	{"get_gradients", CmdGetGradients, cmdGetGradients},
	{"get_features", CmdGetFeatures, cmdGetFeatures},
	{"get_weights", CmdGetWeights, cmdGetWeights},
	{"get_blobs", CmdGetBlobs, cmdGetBlobs},
	{"set_mode_cpu", CmdSetModeCPU, cmdSetModeCPU},
	{"set_mode_gpu", CmdSetModeGPU, cmdSetModeGPU},
	{"set_phase_train", CmdSetPhaseTrain, cmdSetPhaseTrain},
	{"set_phase_test", CmdSetPhaseTest, cmdSetPhaseTest},
	{"set_device", CmdSetDevice, cmdSetDevice},
	{"get_init_key", CmdGetInitKey, cmdGetInitKey},
	{"read_mean", CmdReadMean, cmdReadMean},
}

func (c Command) String() string {
	for _, e := range commandTable {
		if e.cmd == c {
			return e.name
		}
	}
	return fmt.Sprintf("Command(%d)", int(c))
}

// Commands lists the command names in table order
func Commands() []string {
	names := make([]string, len(commandTable))
	for i, e := range commandTable {
		names[i] = e.name
	}
	return names
}

// Lookup returns the command for name
func Lookup(name string) (Command, bool) {
	if e, ok := lookup(name); ok {
		return e.cmd, true
	}
	return 0, false
}

func lookup(name string) (entry, bool) {
	for _, e := range commandTable {
		if e.name == name {
			return e, true
		}
	}
	return entry{}, false
}

// suggest returns the closest command name, or "" if none is close
func suggest(name string) string {
	best, bestDist := "", 4
	for _, e := range commandTable {
		if d := levenshtein.ComputeDistance(name, e.name); d < bestDist {
			best, bestDist = e.name, d
		}
	}
	return best
}

// Dispatch runs one command. args[0] names the command and the rest are its
// positional arguments; nout is the number of results the caller wants.
// Every failure is an *Error.
func (s *Session) Dispatch(args []host.Value, nout int) ([]host.Value, error) {
	if s.state == stateExecuting {
		return nil, &Error{Kind: KindUsage, Err: ErrBusy}
	}
	if s.failed != nil {
		return nil, &Error{Kind: KindInternal, Err: fmt.Errorf("%w: %w", ErrSessionFailed, s.failed)}
	}
	if len(args) == 0 {
		return nil, &Error{Kind: KindUsage, Err: ErrNoCommand}
	}

	name, err := host.AsString(args[0])
	if err != nil {
		return nil, &Error{Kind: KindUsage, Err: fmt.Errorf("command name: %w", err)}
	}

	e, ok := lookup(name)
	if !ok {
		err := fmt.Errorf("%w: %q", ErrUnknownCommand, name)
		if hint := suggest(name); hint != "" {
			err = fmt.Errorf("%w, did you mean %q?", err, hint)
		}
		return nil, &Error{Kind: KindUsage, Command: name, Err: err}
	}

	s.state = stateExecuting
	defer func() { s.state = stateIdle }()

	s.logger.Debug("dispatch", "command", name, "args", len(args)-1, "nout", nout)
	out, err := e.fn(s, args[1:], nout)
	if err != nil {
		be := classify(name, err)
		if be.Kind == KindInternal {
			s.failed = be
			s.logger.Error("session failed", "command", name, "error", be.Err)
		} else {
			s.logger.Debug("command failed", "command", name, "kind", be.Kind, "error", be.Err)
		}
		return nil, be
	}
	return out, nil
}

// Call is Dispatch with the command name as a Go string
func (s *Session) Call(name string, nout int, args ...host.Value) ([]host.Value, error) {
	return s.Dispatch(append([]host.Value{host.String(name)}, args...), nout)
}

func checkArgs(args []host.Value, want int) error {
	if len(args) != want {
		return fmt.Errorf("%w: expected %d, got %d", ErrArgCount, want, len(args))
	}
	return nil
}

func (s *Session) requireNet() error {
	if s.net == nil {
		return ErrNotInitialized
	}
	return nil
}

// IsUsage reports whether err aborted only the current command
func IsUsage(err error) bool {
	var be *Error
	return errors.As(err, &be) && be.Kind != KindInternal
}
