package engine

import "github.com/tsawler/go-netbridge/tensor"

// Batches is the ordered result of one per-channel gradient call. Each blob
// covers up to BatchSize selected channels. The owner must call Release once
// it has copied the data out; Release is safe to call more than once.
type Batches struct {
	blobs    []*tensor.Blob
	releases []func()
	released bool
}

// NewBatches returns an empty batch sequence
func NewBatches() *Batches {
	return &Batches{}
}

// Add appends a batch result. release, if not nil, runs on Release.
func (b *Batches) Add(blob *tensor.Blob, release func()) {
	b.blobs = append(b.blobs, blob)
	b.releases = append(b.releases, release)
}

// Len returns the number of batches
func (b *Batches) Len() int {
	return len(b.blobs)
}

// At returns batch i
func (b *Batches) At(i int) *tensor.Blob {
	return b.blobs[i]
}

// Released reports whether Release has run
func (b *Batches) Released() bool {
	return b.released
}

// Release frees every batch buffer
func (b *Batches) Release() {
	if b == nil || b.released {
		return
	}
	b.released = true
	for i, blob := range b.blobs {
		if fn := b.releases[i]; fn != nil {
			fn()
		}
		blob.Release()
	}
	b.blobs = nil
	b.releases = nil
}
