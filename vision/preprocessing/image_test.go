package preprocessing

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/tsawler/go-netbridge/host"
	"github.com/tsawler/go-netbridge/tensor"
)

// patternImage gives every pixel a distinct color
func patternImage(width, height int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetRGBA(x, y, color.RGBA{uint8(10 * x), uint8(10 * y), uint8(100 + x + y), 255})
		}
	}
	return img
}

func solidImage(width, height int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("Failed to encode PNG: %v", err)
	}
	return buf.Bytes()
}

func writeImage(t *testing.T, dir, name string, img image.Image) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, encodePNG(t, img), 0644); err != nil {
		t.Fatalf("Failed to write image: %v", err)
	}
	return path
}

// at returns element (x, y, c) of a [W, H, C] array
func at(data []float32, width, height, x, y, c int) float32 {
	return data[x+width*(y+height*c)]
}

func TestNewImageProcessor(t *testing.T) {
	p, err := NewImageProcessor(4, 3)
	if err != nil {
		t.Fatalf("Failed to create processor: %v", err)
	}
	if p.width != 4 || p.height != 3 {
		t.Errorf("Expected 4x3, got %dx%d", p.width, p.height)
	}
	if p.scale != DefaultScale {
		t.Errorf("Expected default scale %v, got %v", DefaultScale, p.scale)
	}

	for _, size := range [][2]int{{0, 3}, {3, -1}} {
		if _, err := NewImageProcessor(size[0], size[1]); err == nil {
			t.Errorf("Expected error for size %v", size)
		}
	}
}

func TestPreprocessLayout(t *testing.T) {
	const width, height = 3, 2
	p, err := NewImageProcessor(width, height)
	if err != nil {
		t.Fatalf("Failed to create processor: %v", err)
	}

	img, err := p.DecodeAndPreprocess(bytes.NewReader(encodePNG(t, patternImage(width, height))))
	if err != nil {
		t.Fatalf("Preprocess failed: %v", err)
	}
	if img.Width != width || img.Height != height || img.Channels != 3 {
		t.Fatalf("Unexpected image dims %dx%dx%d", img.Width, img.Height, img.Channels)
	}
	if len(img.Data) != width*height*3 {
		t.Fatalf("Expected %d values, got %d", width*height*3, len(img.Data))
	}

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			// channel 0 is blue, channel 2 is red
			want := [3]float32{float32(100 + x + y), float32(10 * y), float32(10 * x)}
			for c := 0; c < 3; c++ {
				if got := at(img.Data, width, height, x, y, c); math.Abs(float64(got-want[c])) > 1e-4 {
					t.Errorf("Pixel (%d,%d) channel %d: got %v, want %v", x, y, c, got, want[c])
				}
			}
		}
	}

	s := img.Single()
	shape, err := s.Shape()
	if err != nil {
		t.Fatalf("Invalid host array: %v", err)
	}
	if shape != (tensor.Shape{Width: width, Height: height, Channels: 3, Num: 1}) {
		t.Errorf("Unexpected shape %v", shape)
	}
}

func TestPreprocessMeanAndScale(t *testing.T) {
	const width, height = 2, 2
	mean := host.NewSingle(width, height, 3)
	for i := range mean.Data {
		mean.Data[i] = 0.25
	}

	p, err := NewImageProcessor(width, height, WithScale(1), WithMean(mean))
	if err != nil {
		t.Fatalf("Failed to create processor: %v", err)
	}
	img, err := p.Preprocess(solidImage(width, height, color.RGBA{255, 0, 51, 255}))
	if err != nil {
		t.Fatalf("Preprocess failed: %v", err)
	}

	want := [3]float32{0.2 - 0.25, -0.25, 1 - 0.25}
	for i, got := range img.Data {
		c := i / (width * height)
		if math.Abs(float64(got-want[c])) > 1e-5 {
			t.Errorf("Value %d: got %v, want %v", i, got, want[c])
		}
	}

	_, err = NewImageProcessor(3, 3, WithMean(mean))
	if !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Errorf("Expected shape mismatch for wrong mean, got %v", err)
	}
}

func TestPreprocessResize(t *testing.T) {
	p, err := NewImageProcessor(4, 4)
	if err != nil {
		t.Fatalf("Failed to create processor: %v", err)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, solidImage(16, 12, color.RGBA{200, 100, 50, 255}), &jpeg.Options{Quality: 100}); err != nil {
		t.Fatalf("Failed to encode JPEG: %v", err)
	}
	img, err := p.DecodeAndPreprocess(&buf)
	if err != nil {
		t.Fatalf("Preprocess failed: %v", err)
	}
	if len(img.Data) != 4*4*3 {
		t.Fatalf("Expected 48 values, got %d", len(img.Data))
	}

	// JPEG is lossy, allow a few levels of drift
	want := [3]float32{50, 100, 200}
	for i, got := range img.Data {
		c := i / 16
		if math.Abs(float64(got-want[c])) > 4 {
			t.Errorf("Value %d: got %v, want about %v", i, got, want[c])
		}
	}
}

func TestPreprocessInvalidData(t *testing.T) {
	p, err := NewImageProcessor(2, 2)
	if err != nil {
		t.Fatalf("Failed to create processor: %v", err)
	}
	if _, err := p.DecodeAndPreprocess(bytes.NewReader([]byte("not an image"))); err == nil {
		t.Error("Expected decode error")
	}
	if _, err := p.PreprocessFile(filepath.Join(t.TempDir(), "missing.png")); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestImageProcessorConcurrency(t *testing.T) {
	const width, height = 5, 4
	p, err := NewImageProcessor(width, height)
	if err != nil {
		t.Fatalf("Failed to create processor: %v", err)
	}
	src := patternImage(width, height)
	want, err := p.Preprocess(src)
	if err != nil {
		t.Fatalf("Preprocess failed: %v", err)
	}

	var wg sync.WaitGroup
	results := make([]*ProcessedImage, 8)
	errs := make([]error, len(results))
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = p.Preprocess(src)
		}()
	}
	wg.Wait()

	for i, r := range results {
		if errs[i] != nil {
			t.Fatalf("Goroutine %d failed: %v", i, errs[i])
		}
		for j := range want.Data {
			if r.Data[j] != want.Data[j] {
				t.Fatalf("Goroutine %d value %d: got %v, want %v", i, j, r.Data[j], want.Data[j])
			}
		}
	}
}

func TestPreprocessBatch(t *testing.T) {
	const width, height = 3, 2
	dir := t.TempDir()
	colors := []color.RGBA{{255, 0, 0, 255}, {0, 255, 0, 255}, {0, 0, 255, 255}}
	var paths []string
	for i, c := range colors {
		paths = append(paths, writeImage(t, dir, "img"+string(rune('a'+i))+".png", solidImage(width, height, c)))
	}

	for _, workers := range []int{0, 1, 3, 8} {
		batch, err := PreprocessBatch(paths, width, height, workers, WithScale(1))
		if err != nil {
			t.Fatalf("Batch with %d workers failed: %v", workers, err)
		}
		wantDims := []int{width, height, 3, len(paths)}
		for i, d := range wantDims {
			if batch.Size[i] != d {
				t.Fatalf("Expected dims %v, got %v", wantDims, batch.Size)
			}
		}

		item := width * height * 3
		for n, c := range colors {
			bgr := [3]float32{float32(c.B) / 255, float32(c.G) / 255, float32(c.R) / 255}
			for i := 0; i < item; i++ {
				if got := batch.Data[n*item+i]; got != bgr[i/(width*height)] {
					t.Fatalf("Image %d value %d: got %v, want %v", n, i, got, bgr[i/(width*height)])
				}
			}
		}
	}

	_, err := PreprocessBatch(append(paths, filepath.Join(dir, "missing.png")), width, height, 2)
	if err == nil {
		t.Error("Expected error for missing image")
	}
}
