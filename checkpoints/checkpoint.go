package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tsawler/go-netbridge/tensor"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatBinary
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatBinary:
		return "Binary"
	default:
		return "Unknown"
	}
}

// DetectFormat picks the format from the file extension. Anything that is
// not .json is treated as a binary trained model.
func DetectFormat(path string) CheckpointFormat {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FormatJSON
	}
	return FormatBinary
}

// Checkpoint is a set of trained weights for one network
type Checkpoint struct {
	Network  string             `json:"network"`
	Weights  []WeightTensor     `json:"weights"`
	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"` // num, channels, height, width
	Data  []float32 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight", "bias"
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

// SaveCheckpoint saves a complete model checkpoint
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	switch cs.format {
	case FormatJSON:
		return cs.saveJSON(checkpoint, path)
	case FormatBinary:
		net, err := checkpoint.NetParameter()
		if err != nil {
			return err
		}
		return WriteNetParameterFile(path, net)
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// LoadCheckpoint loads a model checkpoint
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	switch cs.format {
	case FormatJSON:
		return cs.loadJSON(path)
	case FormatBinary:
		net, err := ReadNetParameterFile(path)
		if err != nil {
			return nil, err
		}
		return FromNetParameter(net), nil
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

func (cs *CheckpointSaver) saveJSON(checkpoint *Checkpoint, path string) error {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = "netbridge"
		checkpoint.Metadata.Version = "1.0.0"
		checkpoint.Metadata.CreatedAt = time.Now()
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")

	if err := encoder.Encode(checkpoint); err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	return nil
}

func (cs *CheckpointSaver) loadJSON(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	defer file.Close()

	var checkpoint Checkpoint
	if err := json.NewDecoder(file).Decode(&checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}

	return &checkpoint, nil
}

// NetParameter groups the weight list by layer, keeping first-seen layer
// order and per-layer tensor order.
func (c *Checkpoint) NetParameter() (*NetParameter, error) {
	net := &NetParameter{Name: c.Network}
	index := make(map[string]int)
	for _, w := range c.Weights {
		shape, err := w.shape()
		if err != nil {
			return nil, err
		}
		if len(w.Data) != shape.Count() {
			return nil, fmt.Errorf("weight %q has %d values for shape %v: %w", w.Name, len(w.Data), w.Shape, tensor.ErrShapeMismatch)
		}

		i, ok := index[w.Layer]
		if !ok {
			i = len(net.Layers)
			index[w.Layer] = i
			net.Layers = append(net.Layers, LayerWeights{Name: w.Layer})
		}
		net.Layers[i].Blobs = append(net.Layers[i].Blobs, &BlobProto{Shape: shape, Data: w.Data})
	}
	return net, nil
}

// FromNetParameter flattens a trained model into a checkpoint. Blob i of a
// layer is named "<layer>_<i>"; blob 0 is the weight and blob 1 the bias.
func FromNetParameter(net *NetParameter) *Checkpoint {
	cp := &Checkpoint{Network: net.Name}
	for _, l := range net.Layers {
		for i, b := range l.Blobs {
			kind := "weight"
			if i == 1 {
				kind = "bias"
			} else if i > 1 {
				kind = fmt.Sprintf("param%d", i)
			}
			cp.Weights = append(cp.Weights, WeightTensor{
				Name:  fmt.Sprintf("%s_%d", l.Name, i),
				Shape: []int{b.Shape.Num, b.Shape.Channels, b.Shape.Height, b.Shape.Width},
				Data:  b.Data,
				Layer: l.Name,
				Type:  kind,
			})
		}
	}
	return cp
}

// LoadLayerWeights reads trained weights in either format, chosen by extension
func LoadLayerWeights(path string) ([]LayerWeights, error) {
	if DetectFormat(path) == FormatBinary {
		net, err := ReadNetParameterFile(path)
		if err != nil {
			return nil, err
		}
		return net.Layers, nil
	}

	cp, err := NewCheckpointSaver(FormatJSON).LoadCheckpoint(path)
	if err != nil {
		return nil, err
	}
	net, err := cp.NetParameter()
	if err != nil {
		return nil, err
	}
	return net.Layers, nil
}

// shape accepts 1 to 4 axes, filled from the right like Caffe's legacy accessors
func (w WeightTensor) shape() (tensor.Shape, error) {
	if len(w.Shape) == 0 || len(w.Shape) > 4 {
		return tensor.Shape{}, fmt.Errorf("weight %q has %d axes: %w", w.Name, len(w.Shape), tensor.ErrShapeMismatch)
	}
	full := [4]int{1, 1, 1, 1}
	for i, d := range w.Shape {
		if d < 0 {
			return tensor.Shape{}, fmt.Errorf("weight %q has negative dimension %d: %w", w.Name, d, tensor.ErrShapeMismatch)
		}
		full[4-len(w.Shape)+i] = d
	}
	return tensor.NewShape(full[0], full[1], full[2], full[3]), nil
}
