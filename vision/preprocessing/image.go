// Package preprocessing turns images into the host arrays the bridge
// expects. The bridge copies tensors verbatim, so the caller must deliver
// BGR channel order, [width, height, channels, num] dims and mean-subtracted
// values; this package does those steps.
package preprocessing

import (
	"fmt"
	"image"
	"io"
	"os"
	"sync"

	_ "image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/errgroup"

	"github.com/tsawler/go-netbridge/host"
	"github.com/tsawler/go-netbridge/tensor"
)

// DefaultScale maps [0, 1] intensities to Caffe's 0..255 pixel range
const DefaultScale = 255

// ImageProcessor resizes and converts images with buffer reuse. It is safe
// for concurrent use.
type ImageProcessor struct {
	mu              sync.Mutex
	tempImageBuffer *image.RGBA
	processBuffer   []float32

	width  int
	height int
	scale  float32
	mean   []float32
}

// Option configures an ImageProcessor
type Option func(*ImageProcessor) error

// WithMean subtracts mean from every image. mean must have width*height*3
// elements in [width, height, channels] BGR layout, as read_mean returns it.
func WithMean(mean *host.Single) Option {
	return func(p *ImageProcessor) error {
		if want := p.width * p.height * 3; len(mean.Data) != want {
			return fmt.Errorf("mean has %d elements (dims %v), images need %d: %w",
				len(mean.Data), mean.Size, want, tensor.ErrShapeMismatch)
		}
		p.mean = mean.Data
		return nil
	}
}

// WithScale multiplies [0, 1] intensities by scale
func WithScale(scale float32) Option {
	return func(p *ImageProcessor) error {
		p.scale = scale
		return nil
	}
}

// NewImageProcessor creates a processor producing width x height images
func NewImageProcessor(width, height int, opts ...Option) (*ImageProcessor, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid target size %dx%d", width, height)
	}
	p := &ImageProcessor{width: width, height: height, scale: DefaultScale}
	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// ProcessedImage is one image as a [Width, Height, Channels] host array
type ProcessedImage struct {
	Data     []float32
	Width    int
	Height   int
	Channels int
}

// Single returns the image as a host array with dims [W, H, C, 1]
func (img *ProcessedImage) Single() *host.Single {
	return &host.Single{Size: []int{img.Width, img.Height, img.Channels, 1}, Data: img.Data}
}

// DecodeAndPreprocess decodes a JPEG, PNG or WebP image and converts it
func (p *ImageProcessor) DecodeAndPreprocess(reader io.Reader) (*ProcessedImage, error) {
	img, _, err := image.Decode(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return p.Preprocess(img)
}

// Preprocess resizes img to the target size, reorders RGB to BGR, lays the
// pixels out as [width, height, channels] and subtracts the mean
func (p *ImageProcessor) Preprocess(img image.Image) (*ProcessedImage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.tempImageBuffer == nil {
		p.tempImageBuffer = image.NewRGBA(image.Rect(0, 0, p.width, p.height))
	}
	dst := p.tempImageBuffer
	src := img.Bounds()
	if src.Dx() == p.width && src.Dy() == p.height {
		draw.Draw(dst, dst.Bounds(), img, src.Min, draw.Src)
	} else {
		draw.BiLinear.Scale(dst, dst.Bounds(), img, src, draw.Src, nil)
	}

	// Height-major first, the way image readers hand pixels to the host
	plane := p.width * p.height
	if len(p.processBuffer) < 3*plane {
		p.processBuffer = make([]float32, 3*plane)
	}
	rows := p.processBuffer[:3*plane]
	for y := 0; y < p.height; y++ {
		for x := 0; x < p.width; x++ {
			c := dst.RGBAAt(x, y)
			idx := y + p.height*x
			rows[idx] = float32(c.R) / 255 * p.scale
			rows[plane+idx] = float32(c.G) / 255 * p.scale
			rows[2*plane+idx] = float32(c.B) / 255 * p.scale
		}
	}

	if err := tensor.ReverseChannels(rows, tensor.Shape{Width: p.height, Height: p.width, Channels: 3, Num: 1}); err != nil {
		return nil, err
	}
	data, _, err := tensor.Permute(rows, [4]int{p.height, p.width, 3, 1}, [4]int{1, 0, 2, 3})
	if err != nil {
		return nil, err
	}

	for i, m := range p.mean {
		data[i] -= m
	}

	return &ProcessedImage{
		Data:     data,
		Width:    p.width,
		Height:   p.height,
		Channels: 3,
	}, nil
}

// PreprocessFile opens, decodes and converts one image file
func (p *ImageProcessor) PreprocessFile(path string) (*ProcessedImage, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return p.DecodeAndPreprocess(file)
}

// PreprocessBatch converts images concurrently and stacks them into one
// [width, height, 3, len(imagePaths)] host array in path order
func PreprocessBatch(imagePaths []string, width, height, maxWorkers int, opts ...Option) (*host.Single, error) {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}

	// One processor per worker so buffers are never shared
	processors := make(chan *ImageProcessor, maxWorkers)
	for range maxWorkers {
		p, err := NewImageProcessor(width, height, opts...)
		if err != nil {
			return nil, err
		}
		processors <- p
	}

	out := host.NewSingle(width, height, 3, len(imagePaths))
	item := width * height * 3

	var g errgroup.Group
	g.SetLimit(maxWorkers)
	for i, path := range imagePaths {
		g.Go(func() error {
			p := <-processors
			defer func() { processors <- p }()

			img, err := p.PreprocessFile(path)
			if err != nil {
				return fmt.Errorf("failed to process image %d: %w", i, err)
			}
			copy(out.Data[i*item:(i+1)*item], img.Data)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
