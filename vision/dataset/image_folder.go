// Package dataset lists image files for batch feature extraction
package dataset

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// DefaultExtensions are the formats the preprocessing package can decode
var DefaultExtensions = []string{".jpg", ".jpeg", ".png", ".webp"}

// ImageFolderDataset is a directory of images. Each subdirectory is a class;
// images directly under the root have no class (label -1).
type ImageFolderDataset struct {
	imagePaths []string
	labels     []int
	classNames []string
}

// NewImageFolderDataset lists root in lexical order. Extensions match
// case-insensitively.
func NewImageFolderDataset(root string, extensions []string) (*ImageFolderDataset, error) {
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	isImage := func(name string) bool {
		return slices.Contains(extensions, strings.ToLower(filepath.Ext(name)))
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", root, err)
	}

	d := &ImageFolderDataset{}
	for _, e := range entries {
		path := filepath.Join(root, e.Name())
		if !e.IsDir() {
			if isImage(e.Name()) {
				d.imagePaths = append(d.imagePaths, path)
				d.labels = append(d.labels, -1)
			}
			continue
		}

		files, err := os.ReadDir(path)
		if err != nil {
			return nil, fmt.Errorf("failed to list class %s: %w", e.Name(), err)
		}
		label := len(d.classNames)
		found := false
		for _, f := range files {
			if f.IsDir() || !isImage(f.Name()) {
				continue
			}
			d.imagePaths = append(d.imagePaths, filepath.Join(path, f.Name()))
			d.labels = append(d.labels, label)
			found = true
		}
		if found {
			d.classNames = append(d.classNames, e.Name())
		}
	}

	if len(d.imagePaths) == 0 {
		return nil, fmt.Errorf("no images found in %s", root)
	}
	return d, nil
}

// Len returns the number of images
func (d *ImageFolderDataset) Len() int {
	return len(d.imagePaths)
}

// GetItem returns the image path and label at the given index
func (d *ImageFolderDataset) GetItem(index int) (string, int, error) {
	if index < 0 || index >= len(d.imagePaths) {
		return "", 0, fmt.Errorf("index %d out of range [0, %d)", index, len(d.imagePaths))
	}
	return d.imagePaths[index], d.labels[index], nil
}

// ClassName returns the class of label, or "" for unlabelled images
func (d *ImageFolderDataset) ClassName(label int) string {
	if label < 0 || label >= len(d.classNames) {
		return ""
	}
	return d.classNames[label]
}

// NumClasses returns the number of classes
func (d *ImageFolderDataset) NumClasses() int {
	return len(d.classNames)
}

// Batches splits the image paths into consecutive groups of at most size.
// The last group may be short.
func (d *ImageFolderDataset) Batches(size int) ([][]string, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid batch size %d", size)
	}
	var out [][]string
	for start := 0; start < len(d.imagePaths); start += size {
		end := min(start+size, len(d.imagePaths))
		out = append(out, d.imagePaths[start:end])
	}
	return out, nil
}

func (d *ImageFolderDataset) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "ImageFolderDataset: %d images, %d classes\n", len(d.imagePaths), len(d.classNames))
	counts := make([]int, len(d.classNames))
	unlabelled := 0
	for _, l := range d.labels {
		if l < 0 {
			unlabelled++
			continue
		}
		counts[l]++
	}
	for i, name := range d.classNames {
		fmt.Fprintf(&sb, "  %s: %d images\n", name, counts[i])
	}
	if unlabelled > 0 {
		fmt.Fprintf(&sb, "  (no class): %d images\n", unlabelled)
	}
	return sb.String()
}
