// Package engine defines the contract between the bridge and an inference or
// training engine. The engine owns the network and its blobs; the bridge only
// fills input blobs, triggers passes and copies results out.
package engine

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/tsawler/go-netbridge/memory"
	"github.com/tsawler/go-netbridge/tensor"
)

var (
	ErrLayerNotFound     = errors.New("layer not found")
	ErrChannelOutOfRange = errors.New("channel id out of range")
	ErrUnknownEngine     = errors.New("unknown engine")
)

// Phase selects training or inference behavior for layers such as dropout
type Phase int

const (
	Train Phase = iota
	Test
)

func (p Phase) String() string {
	switch p {
	case Train:
		return "train"
	case Test:
		return "test"
	default:
		return "unknown"
	}
}

// Context is the ambient session state every engine call runs under
type Context struct {
	Mode   memory.DeviceType
	Phase  Phase
	Device int

	// Accelerator is the selected device, nil when none is available
	Accelerator memory.Device

	// Scratch provides buffers whose lifetime is one engine call
	Scratch *memory.MemoryManager
}

// Layer is a borrowed view of one network layer
type Layer interface {
	Name() string
	Type() string

	// Params returns the layer's learnable tensors in declared order
	Params() []*tensor.Blob
}

// Net is a loaded network. Blob and layer slices are borrowed from the net
// and stay valid until Close.
type Net interface {
	Name() string

	InputBlobs() []*tensor.Blob
	OutputBlobs() []*tensor.Blob

	// Blobs and BlobNames list every named intermediate tensor, in the same order
	Blobs() []*tensor.Blob
	BlobNames() []string

	Layers() []Layer

	// BatchSize is the number of items the first layer processes per call
	BatchSize() int

	// ForwardPrefilled runs a forward pass over the already filled input blobs
	ForwardPrefilled(ctx Context) ([]*tensor.Blob, error)

	// Backward propagates the output diffs down to the input diffs
	Backward(ctx Context) error

	// CalcGradientsPrefilled computes input gradients for each selected
	// output channel of layer, BatchSize channels per engine call. The
	// returned batches belong to the caller.
	CalcGradientsPrefilled(ctx Context, layer string, channels []int) (*Batches, error)

	// GetFeaturesPrefilled runs forward and returns the named layer's outputs
	GetFeaturesPrefilled(ctx Context, layer string) ([]*tensor.Blob, error)

	CopyTrainedLayersFrom(path string) error

	Close()
}

// Factory builds a network from a definition file
type Factory func(definition string, ctx Context) (Net, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// Register makes an engine available to Open. It panics if name is taken.
func Register(name string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()

	if _, ok := factories[name]; ok {
		panic("engine: engine already registered: " + name)
	}
	factories[name] = f
}

// Open builds a network with the named engine
func Open(name, definition string, ctx Context) (Net, error) {
	factoriesMu.RLock()
	f, ok := factories[name]
	factoriesMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w %q (registered: %v)", ErrUnknownEngine, name, Engines())
	}
	return f(definition, ctx)
}

// Engines lists the registered engine names
func Engines() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
