package layers

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/tsawler/go-netbridge/tensor"
)

// LayerType represents the type of neural network layer
type LayerType int

const (
	InnerProduct LayerType = iota
	ReLU
	Sigmoid
	Tanh
	EltwiseSum
	Dropout
)

func (lt LayerType) String() string {
	switch lt {
	case InnerProduct:
		return "InnerProduct"
	case ReLU:
		return "ReLU"
	case Sigmoid:
		return "Sigmoid"
	case Tanh:
		return "TanH"
	case EltwiseSum:
		return "Eltwise"
	case Dropout:
		return "Dropout"
	default:
		return "Unknown"
	}
}

// ParseLayerType accepts both the snake_case names used in network files
// and Caffe's layer type names.
func ParseLayerType(s string) (LayerType, error) {
	switch strings.ToLower(s) {
	case "inner_product", "innerproduct":
		return InnerProduct, nil
	case "relu":
		return ReLU, nil
	case "sigmoid":
		return Sigmoid, nil
	case "tanh":
		return Tanh, nil
	case "eltwise_sum", "eltwise":
		return EltwiseSum, nil
	case "dropout":
		return Dropout, nil
	default:
		return 0, fmt.Errorf("unsupported layer type: %q", s)
	}
}

func (lt LayerType) MarshalText() ([]byte, error) {
	switch lt {
	case InnerProduct:
		return []byte("inner_product"), nil
	case EltwiseSum:
		return []byte("eltwise_sum"), nil
	case ReLU, Sigmoid, Tanh, Dropout:
		return []byte(strings.ToLower(lt.String())), nil
	default:
		return nil, fmt.Errorf("unsupported layer type: %d", int(lt))
	}
}

func (lt *LayerType) UnmarshalText(b []byte) error {
	t, err := ParseLayerType(string(b))
	if err != nil {
		return err
	}
	*lt = t
	return nil
}

// InputSpec declares one network input blob. Shape is (num, channels, height, width).
type InputSpec struct {
	Name  string `json:"name"`
	Shape []int  `json:"shape"`
}

// LayerSpec defines one layer: its type, the blobs it reads and writes, and
// type-specific parameters. This is pure configuration.
type LayerSpec struct {
	Type       LayerType              `json:"type"`
	Name       string                 `json:"name"`
	Bottom     []string               `json:"bottom"`
	Top        []string               `json:"top,omitempty"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`

	// Filled in by Compile
	OutputShape     []int   `json:"output_shape,omitempty"`
	ParameterShapes [][]int `json:"parameter_shapes,omitempty"`
	ParameterCount  int64   `json:"parameter_count,omitempty"`
}

// tops returns the declared tops, defaulting to a single top named after the layer
func (ls *LayerSpec) tops() []string {
	if len(ls.Top) == 0 {
		return []string{ls.Name}
	}
	return ls.Top
}

// NetSpec defines a complete network as a DAG of layers over named blobs
type NetSpec struct {
	Name   string      `json:"name"`
	Seed   int64       `json:"seed,omitempty"`
	Inputs []InputSpec `json:"inputs"`
	Layers []LayerSpec `json:"layers"`

	TotalParameters int64 `json:"total_parameters,omitempty"`
	Compiled        bool  `json:"-"`
}

// LoadNetSpec reads and compiles a JSON network definition
func LoadNetSpec(path string) (*NetSpec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read network definition: %w", err)
	}

	var spec NetSpec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return nil, fmt.Errorf("failed to decode network definition %s: %w", path, err)
	}
	if err := spec.compile(); err != nil {
		return nil, fmt.Errorf("invalid network definition %s: %w", path, err)
	}
	return &spec, nil
}

// Save writes the definition as indented JSON
func (ns *NetSpec) Save(path string) error {
	raw, err := json.MarshalIndent(ns, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode network definition: %w", err)
	}
	if err := os.WriteFile(path, raw, 0644); err != nil {
		return fmt.Errorf("failed to write network definition: %w", err)
	}
	return nil
}

// ModelBuilder helps construct network definitions
type ModelBuilder struct {
	name   string
	inputs []InputSpec
	layers []LayerSpec
	last   string
}

// NewModelBuilder creates a new model builder
func NewModelBuilder(name string) *ModelBuilder {
	return &ModelBuilder{name: name}
}

// AddInput declares an input blob of shape (num, channels, height, width)
func (mb *ModelBuilder) AddInput(name string, num, channels, height, width int) *ModelBuilder {
	mb.inputs = append(mb.inputs, InputSpec{Name: name, Shape: []int{num, channels, height, width}})
	if mb.last == "" {
		mb.last = name
	}
	return mb
}

// AddLayer adds a layer. An empty bottom list reads the previous layer's output.
func (mb *ModelBuilder) AddLayer(layer LayerSpec) *ModelBuilder {
	if len(layer.Bottom) == 0 && mb.last != "" {
		layer.Bottom = []string{mb.last}
	}
	if layer.Parameters == nil {
		layer.Parameters = map[string]interface{}{}
	}
	mb.layers = append(mb.layers, layer)
	mb.last = layer.tops()[0]
	return mb
}

// AddInnerProduct adds a fully connected layer with weight and bias
func (mb *ModelBuilder) AddInnerProduct(numOutput int, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: InnerProduct,
		Name: name,
		Parameters: map[string]interface{}{
			"num_output": numOutput,
		},
	})
}

// AddReLU adds a ReLU activation
func (mb *ModelBuilder) AddReLU(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: ReLU, Name: name})
}

// AddSigmoid adds a Sigmoid activation
func (mb *ModelBuilder) AddSigmoid(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: Sigmoid, Name: name})
}

// AddTanh adds a Tanh activation
func (mb *ModelBuilder) AddTanh(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: Tanh, Name: name})
}

// AddEltwiseSum adds an element-wise sum over two or more blobs of one shape
func (mb *ModelBuilder) AddEltwiseSum(bottoms []string, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: EltwiseSum, Name: name, Bottom: bottoms})
}

// AddDropout adds a dropout layer
// ratio: probability of dropping a unit in the training phase
func (mb *ModelBuilder) AddDropout(ratio float32, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Dropout,
		Name: name,
		Parameters: map[string]interface{}{
			"dropout_ratio": ratio,
		},
	})
}

// Compile validates the network and computes shapes and parameter counts
func (mb *ModelBuilder) Compile() (*NetSpec, error) {
	spec := &NetSpec{
		Name:   mb.name,
		Seed:   1,
		Inputs: append([]InputSpec(nil), mb.inputs...),
		Layers: append([]LayerSpec(nil), mb.layers...),
	}
	if err := spec.compile(); err != nil {
		return nil, err
	}
	return spec, nil
}

func (ns *NetSpec) compile() error {
	if len(ns.Inputs) == 0 {
		return fmt.Errorf("network has no inputs")
	}
	if len(ns.Layers) == 0 {
		return fmt.Errorf("cannot compile empty model")
	}

	shapes, err := ns.blobShapes()
	if err != nil {
		return err
	}

	ns.TotalParameters = 0
	for i := range ns.Layers {
		layer := &ns.Layers[i]
		out := shapes[layer.tops()[0]]
		layer.OutputShape = []int{out.Num, out.Channels, out.Height, out.Width}

		layer.ParameterShapes = nil
		layer.ParameterCount = 0
		for _, p := range paramShapes(layer, shapes[layer.Bottom[0]]) {
			layer.ParameterShapes = append(layer.ParameterShapes, []int{p.Num, p.Channels, p.Height, p.Width})
			layer.ParameterCount += int64(p.Count())
		}
		ns.TotalParameters += layer.ParameterCount
	}
	ns.Compiled = true
	return nil
}

// blobShapes walks the layers in order and returns the shape of every blob.
// Every bottom must already exist and every top must be new.
func (ns *NetSpec) blobShapes() (map[string]tensor.Shape, error) {
	shapes := make(map[string]tensor.Shape)
	for _, in := range ns.Inputs {
		if in.Name == "" {
			return nil, fmt.Errorf("input with empty name")
		}
		if _, dup := shapes[in.Name]; dup {
			return nil, fmt.Errorf("duplicate blob %q", in.Name)
		}
		if len(in.Shape) != 4 {
			return nil, fmt.Errorf("input %q: shape must be (num, channels, height, width), got %v", in.Name, in.Shape)
		}
		for _, d := range in.Shape {
			if d <= 0 {
				return nil, fmt.Errorf("input %q: dimensions must be positive, got %v", in.Name, in.Shape)
			}
		}
		shapes[in.Name] = tensor.NewShape(in.Shape[0], in.Shape[1], in.Shape[2], in.Shape[3])
	}

	for i := range ns.Layers {
		layer := &ns.Layers[i]
		if layer.Name == "" {
			return nil, fmt.Errorf("layer %d has no name", i)
		}
		if len(layer.Bottom) == 0 {
			return nil, fmt.Errorf("layer %q has no bottom", layer.Name)
		}

		var bottoms []tensor.Shape
		for _, b := range layer.Bottom {
			s, ok := shapes[b]
			if !ok {
				return nil, fmt.Errorf("layer %q: unknown bottom blob %q", layer.Name, b)
			}
			bottoms = append(bottoms, s)
		}

		out, err := outputShape(layer, bottoms)
		if err != nil {
			return nil, fmt.Errorf("failed to compute layer %d (%s) info: %w", i, layer.Name, err)
		}

		tops := layer.tops()
		if len(tops) != 1 {
			return nil, fmt.Errorf("layer %q: exactly one top is supported, got %d", layer.Name, len(tops))
		}
		if _, dup := shapes[tops[0]]; dup {
			return nil, fmt.Errorf("layer %q: top %q already exists (in-place layers are not supported)", layer.Name, tops[0])
		}
		shapes[tops[0]] = out
	}
	return shapes, nil
}

func outputShape(layer *LayerSpec, bottoms []tensor.Shape) (tensor.Shape, error) {
	switch layer.Type {
	case InnerProduct:
		if len(bottoms) != 1 {
			return tensor.Shape{}, fmt.Errorf("inner product takes one bottom, got %d", len(bottoms))
		}
		n := getIntParam(layer.Parameters, "num_output", 0)
		if n <= 0 {
			return tensor.Shape{}, fmt.Errorf("missing or invalid num_output parameter")
		}
		return tensor.NewShape(bottoms[0].Num, n, 1, 1), nil
	case ReLU, Sigmoid, Tanh, Dropout:
		if len(bottoms) != 1 {
			return tensor.Shape{}, fmt.Errorf("%s takes one bottom, got %d", layer.Type, len(bottoms))
		}
		if layer.Type == Dropout {
			r := getFloatParam(layer.Parameters, "dropout_ratio", 0.5)
			if r < 0 || r >= 1 {
				return tensor.Shape{}, fmt.Errorf("dropout_ratio must be in [0, 1), got %v", r)
			}
		}
		return bottoms[0], nil
	case EltwiseSum:
		if len(bottoms) < 2 {
			return tensor.Shape{}, fmt.Errorf("eltwise sum needs at least two bottoms, got %d", len(bottoms))
		}
		for _, b := range bottoms[1:] {
			if b != bottoms[0] {
				return tensor.Shape{}, fmt.Errorf("eltwise sum bottoms differ: %v vs %v: %w", bottoms[0], b, tensor.ErrShapeMismatch)
			}
		}
		return bottoms[0], nil
	default:
		return tensor.Shape{}, fmt.Errorf("unsupported layer type: %s", layer.Type.String())
	}
}

// paramShapes returns the learnable blob shapes in declared order. The inner
// product weight is (num_output, K) stored as height x width, the bias is a
// row of num_output.
func paramShapes(layer *LayerSpec, bottom tensor.Shape) []tensor.Shape {
	if layer.Type != InnerProduct {
		return nil
	}
	n := getIntParam(layer.Parameters, "num_output", 0)
	shapes := []tensor.Shape{tensor.NewShape(1, 1, n, bottom.Spatial())}
	if getBoolParam(layer.Parameters, "bias_term", true) {
		shapes = append(shapes, tensor.NewShape(1, 1, 1, n))
	}
	return shapes
}

// Summary returns a human-readable model summary
func (ns *NetSpec) Summary() string {
	if !ns.Compiled {
		return "Model not compiled"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Model Summary: %s\n", ns.Name)
	for _, in := range ns.Inputs {
		fmt.Fprintf(&sb, "Input %s: %v\n", in.Name, in.Shape)
	}
	fmt.Fprintf(&sb, "Total Parameters: %d\n", ns.TotalParameters)
	fmt.Fprintf(&sb, "Layers: %d\n\n", len(ns.Layers))

	for i, layer := range ns.Layers {
		fmt.Fprintf(&sb, "Layer %d: %s (%s)\n", i+1, layer.Name, layer.Type.String())
		fmt.Fprintf(&sb, "  Bottom: %v\n", layer.Bottom)
		fmt.Fprintf(&sb, "  Output: %v\n", layer.OutputShape)
		fmt.Fprintf(&sb, "  Params: %d\n", layer.ParameterCount)
	}
	return sb.String()
}

// Parameters decoded from JSON arrive as float64, those set in code as int
// or float32; the helpers accept all of them.
func getIntParam(params map[string]interface{}, key string, defaultValue int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	case float32:
		return int(v)
	default:
		return defaultValue
	}
}

func getBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if v, ok := params[key].(bool); ok {
		return v
	}
	return defaultValue
}

func getFloatParam(params map[string]interface{}, key string, defaultValue float32) float32 {
	switch v := params[key].(type) {
	case float32:
		return v
	case float64:
		return float32(v)
	case int:
		return float32(v)
	default:
		return defaultValue
	}
}
