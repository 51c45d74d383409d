package layers

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/tsawler/go-netbridge/engine"
	"github.com/tsawler/go-netbridge/tensor"
)

// layer is a runnable layer. Backward adds into bottom and parameter diffs;
// the network zeroes them before each pass.
type layer interface {
	engine.Layer
	forward(ctx engine.Context, bottom, top []*tensor.Blob) error
	backward(bottom, top []*tensor.Blob) error
}

type baseLayer struct {
	name   string
	typ    LayerType
	params []*tensor.Blob
}

func (l *baseLayer) Name() string { return l.name }

func (l *baseLayer) Type() string { return l.typ.String() }

func (l *baseLayer) Params() []*tensor.Blob { return l.params }

func newLayer(spec *LayerSpec, bottom tensor.Shape, ctx engine.Context, rng *rand.Rand) (layer, error) {
	base := baseLayer{name: spec.Name, typ: spec.Type}

	switch spec.Type {
	case InnerProduct:
		l := &innerProductLayer{
			baseLayer: base,
			numOutput: getIntParam(spec.Parameters, "num_output", 0),
			k:         bottom.Spatial(),
		}
		std := getFloatParam(spec.Parameters, "weight_std", 0.01)
		for i, shape := range paramShapes(spec, bottom) {
			p := tensor.NewBlob(shape, ctx.Accelerator)
			data, err := p.MutableCPU(tensor.Data)
			if err != nil {
				return nil, err
			}
			// Gaussian weights, zero bias
			if i == 0 {
				for j := range data {
					data[j] = float32(rng.NormFloat64()) * std
				}
			}
			l.params = append(l.params, p)
		}
		return l, nil
	case ReLU:
		return &elementwiseLayer{
			baseLayer: base,
			f: func(x float32) float32 {
				return max(x, 0)
			},
			df: func(x, _ float32) float32 {
				if x > 0 {
					return 1
				}
				return 0
			},
		}, nil
	case Sigmoid:
		return &elementwiseLayer{
			baseLayer: base,
			f: func(x float32) float32 {
				return float32(1 / (1 + math.Exp(-float64(x))))
			},
			df: func(_, y float32) float32 {
				return y * (1 - y)
			},
		}, nil
	case Tanh:
		return &elementwiseLayer{
			baseLayer: base,
			f: func(x float32) float32 {
				return float32(math.Tanh(float64(x)))
			},
			df: func(_, y float32) float32 {
				return 1 - y*y
			},
		}, nil
	case EltwiseSum:
		return &eltwiseSumLayer{baseLayer: base}, nil
	case Dropout:
		return &dropoutLayer{
			baseLayer: base,
			ratio:     getFloatParam(spec.Parameters, "dropout_ratio", 0.5),
			rng:       rng,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported layer type: %s", spec.Type.String())
	}
}

// innerProductLayer computes top = bottom · Wᵀ + b with W of shape (numOutput, k)
type innerProductLayer struct {
	baseLayer
	numOutput int
	k         int
}

func matrix(rows, cols int, data []float32) blas32.General {
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: data}
}

func (l *innerProductLayer) forward(_ engine.Context, bottom, top []*tensor.Blob) error {
	m := bottom[0].Shape().Num
	x, err := bottom[0].CPU(tensor.Data)
	if err != nil {
		return err
	}
	w, err := l.params[0].CPU(tensor.Data)
	if err != nil {
		return err
	}
	y, err := top[0].MutableCPU(tensor.Data)
	if err != nil {
		return err
	}

	blas32.Gemm(blas.NoTrans, blas.Trans, 1, matrix(m, l.k, x), matrix(l.numOutput, l.k, w), 0, matrix(m, l.numOutput, y))

	if len(l.params) > 1 {
		b, err := l.params[1].CPU(tensor.Data)
		if err != nil {
			return err
		}
		for i := 0; i < m; i++ {
			row := y[i*l.numOutput : (i+1)*l.numOutput]
			for j := range row {
				row[j] += b[j]
			}
		}
	}
	return nil
}

func (l *innerProductLayer) backward(bottom, top []*tensor.Blob) error {
	m := bottom[0].Shape().Num
	dy, err := top[0].CPU(tensor.Diff)
	if err != nil {
		return err
	}
	x, err := bottom[0].CPU(tensor.Data)
	if err != nil {
		return err
	}
	w, err := l.params[0].CPU(tensor.Data)
	if err != nil {
		return err
	}

	dw, err := l.params[0].MutableCPU(tensor.Diff)
	if err != nil {
		return err
	}
	blas32.Gemm(blas.Trans, blas.NoTrans, 1, matrix(m, l.numOutput, dy), matrix(m, l.k, x), 1, matrix(l.numOutput, l.k, dw))

	if len(l.params) > 1 {
		db, err := l.params[1].MutableCPU(tensor.Diff)
		if err != nil {
			return err
		}
		for i := 0; i < m; i++ {
			for j, v := range dy[i*l.numOutput : (i+1)*l.numOutput] {
				db[j] += v
			}
		}
	}

	dx, err := bottom[0].MutableCPU(tensor.Diff)
	if err != nil {
		return err
	}
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, matrix(m, l.numOutput, dy), matrix(l.numOutput, l.k, w), 1, matrix(m, l.k, dx))
	return nil
}

// elementwiseLayer applies f per element; df(x, y) is the local derivative
type elementwiseLayer struct {
	baseLayer
	f  func(x float32) float32
	df func(x, y float32) float32
}

func (l *elementwiseLayer) forward(_ engine.Context, bottom, top []*tensor.Blob) error {
	x, err := bottom[0].CPU(tensor.Data)
	if err != nil {
		return err
	}
	y, err := top[0].MutableCPU(tensor.Data)
	if err != nil {
		return err
	}
	for i, v := range x {
		y[i] = l.f(v)
	}
	return nil
}

func (l *elementwiseLayer) backward(bottom, top []*tensor.Blob) error {
	x, err := bottom[0].CPU(tensor.Data)
	if err != nil {
		return err
	}
	y, err := top[0].CPU(tensor.Data)
	if err != nil {
		return err
	}
	dy, err := top[0].CPU(tensor.Diff)
	if err != nil {
		return err
	}
	dx, err := bottom[0].MutableCPU(tensor.Diff)
	if err != nil {
		return err
	}
	for i := range dx {
		dx[i] += dy[i] * l.df(x[i], y[i])
	}
	return nil
}

type eltwiseSumLayer struct {
	baseLayer
}

func (l *eltwiseSumLayer) forward(_ engine.Context, bottom, top []*tensor.Blob) error {
	y, err := top[0].MutableCPU(tensor.Data)
	if err != nil {
		return err
	}
	clear(y)
	for _, b := range bottom {
		x, err := b.CPU(tensor.Data)
		if err != nil {
			return err
		}
		for i, v := range x {
			y[i] += v
		}
	}
	return nil
}

func (l *eltwiseSumLayer) backward(bottom, top []*tensor.Blob) error {
	dy, err := top[0].CPU(tensor.Diff)
	if err != nil {
		return err
	}
	for _, b := range bottom {
		dx, err := b.MutableCPU(tensor.Diff)
		if err != nil {
			return err
		}
		for i, v := range dy {
			dx[i] += v
		}
	}
	return nil
}

// dropoutLayer zeroes units with probability ratio and scales the rest by
// 1/(1-ratio) in the training phase. It is the identity in the test phase.
type dropoutLayer struct {
	baseLayer
	ratio float32
	rng   *rand.Rand
	mask  []float32 // nil after a test-phase forward
}

func (l *dropoutLayer) forward(ctx engine.Context, bottom, top []*tensor.Blob) error {
	x, err := bottom[0].CPU(tensor.Data)
	if err != nil {
		return err
	}
	y, err := top[0].MutableCPU(tensor.Data)
	if err != nil {
		return err
	}

	if ctx.Phase != engine.Train {
		l.mask = nil
		copy(y, x)
		return nil
	}

	if len(l.mask) != len(x) {
		l.mask = make([]float32, len(x))
	}
	scale := 1 / (1 - l.ratio)
	for i, v := range x {
		if l.rng.Float32() >= l.ratio {
			l.mask[i] = scale
		} else {
			l.mask[i] = 0
		}
		y[i] = v * l.mask[i]
	}
	return nil
}

func (l *dropoutLayer) backward(bottom, top []*tensor.Blob) error {
	dy, err := top[0].CPU(tensor.Diff)
	if err != nil {
		return err
	}
	dx, err := bottom[0].MutableCPU(tensor.Diff)
	if err != nil {
		return err
	}
	for i, v := range dy {
		if l.mask != nil {
			v *= l.mask[i]
		}
		dx[i] += v
	}
	return nil
}
