package checkpoints

import (
	"fmt"
	"math"
	"os"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/tsawler/go-netbridge/tensor"
)

// BlobProto is a serialized blob: a shape plus optional data and diff arrays
type BlobProto struct {
	Shape tensor.Shape
	Data  []float32
	Diff  []float32
}

// CheckData reports whether the blob carries exactly one data value per
// element of a non-empty shape, as a mean file must.
func (b *BlobProto) CheckData() error {
	count := b.Shape.Count()
	if count == 0 {
		return fmt.Errorf("blob has an empty shape %v: %w", b.Shape, tensor.ErrShapeMismatch)
	}
	if len(b.Data) != count {
		return fmt.Errorf("blob %v has %d data elements, want %d: %w", b.Shape, len(b.Data), count, tensor.ErrShapeMismatch)
	}
	return nil
}

// ReadBlobProtoFile reads a binary BlobProto, such as a dataset mean file
func ReadBlobProtoFile(path string) (*BlobProto, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read blob file: %w", err)
	}
	blob, err := UnmarshalBlobProto(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse blob file %s: %w", path, err)
	}
	return blob, nil
}

// WriteBlobProtoFile writes a binary BlobProto
func WriteBlobProtoFile(path string, blob *BlobProto) error {
	raw, err := MarshalBlobProto(blob)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, raw, 0644); err != nil {
		return fmt.Errorf("failed to write blob file: %w", err)
	}
	return nil
}

// MarshalBlobProto encodes a blob with the 4-axis shape message and packed
// float data, the layout current Caffe writes.
func MarshalBlobProto(blob *BlobProto) ([]byte, error) {
	b, err := proto.Marshal(blobMessage(blob))
	if err != nil {
		return nil, fmt.Errorf("failed to encode blob: %w", err)
	}
	return b, nil
}

// UnmarshalBlobProto decodes a BlobProto. It accepts both the shape message
// and the legacy num/channels/height/width fields, packed or unpacked float
// arrays, and falls back to double_data when no float data is present.
// A blob may carry a shape and no data.
func UnmarshalBlobProto(b []byte) (*BlobProto, error) {
	msg, err := unmarshal(b, blobProtoDesc)
	if err != nil {
		return nil, err
	}
	return blobFromMessage(msg)
}

func blobMessage(blob *BlobProto) *dynamicpb.Message {
	msg := dynamicpb.NewMessage(blobProtoDesc)
	if blob.Shape != (tensor.Shape{}) {
		shape := dynamicpb.NewMessage(blobShapeDesc)
		dims := shape.Mutable(field(blobShapeDesc, "dim")).List()
		for _, d := range []int{blob.Shape.Num, blob.Shape.Channels, blob.Shape.Height, blob.Shape.Width} {
			dims.Append(protoreflect.ValueOfInt64(int64(d)))
		}
		msg.Set(field(blobProtoDesc, "shape"), protoreflect.ValueOfMessage(shape))
	}
	appendFloats(msg, "data", blob.Data)
	appendFloats(msg, "diff", blob.Diff)
	return msg
}

func appendFloats(msg *dynamicpb.Message, name protoreflect.Name, vals []float32) {
	if len(vals) == 0 {
		return
	}
	list := msg.Mutable(field(blobProtoDesc, name)).List()
	for _, v := range vals {
		list.Append(protoreflect.ValueOfFloat32(v))
	}
}

func blobFromMessage(msg protoreflect.Message) (*BlobProto, error) {
	shape, err := blobShape(msg)
	if err != nil {
		return nil, err
	}
	blob := &BlobProto{
		Shape: shape,
		Data:  blobValues(msg, "data", "double_data"),
		Diff:  blobValues(msg, "diff", "double_diff"),
	}

	count := shape.Count()
	if len(blob.Data) > 0 && len(blob.Data) != count {
		return nil, fmt.Errorf("blob %v has %d data elements, want %d: %w", shape, len(blob.Data), count, tensor.ErrShapeMismatch)
	}
	if len(blob.Diff) > 0 && len(blob.Diff) != count {
		return nil, fmt.Errorf("blob %v has %d diff elements, want %d: %w", shape, len(blob.Diff), count, tensor.ErrShapeMismatch)
	}
	return blob, nil
}

// blobShape reads the shape message, or the legacy header when there is
// none. Fewer than four axes fill from the right: (C, H, W) means num = 1.
// Every axis must be positive and the element count must fit in an int32.
func blobShape(msg protoreflect.Message) (tensor.Shape, error) {
	full := [4]int64{1, 1, 1, 1}
	switch {
	case msg.Has(field(blobProtoDesc, "shape")):
		dims := msg.Get(field(blobProtoDesc, "shape")).Message().Get(field(blobShapeDesc, "dim")).List()
		if dims.Len() > 4 {
			return tensor.Shape{}, fmt.Errorf("blob has %d axes, at most 4 are supported: %w", dims.Len(), tensor.ErrShapeMismatch)
		}
		for i := 0; i < dims.Len(); i++ {
			full[4-dims.Len()+i] = dims.Get(i).Int()
		}
	case hasLegacyHeader(msg):
		for i, name := range []protoreflect.Name{"num", "channels", "height", "width"} {
			full[i] = msg.Get(field(blobProtoDesc, name)).Int()
		}
	default:
		return tensor.Shape{}, nil
	}

	count := int64(1)
	for _, d := range full {
		if d <= 0 {
			return tensor.Shape{}, fmt.Errorf("%w: blob dimension %d in %v", ErrMalformed, d, full)
		}
		count *= d
		if count > math.MaxInt32 {
			return tensor.Shape{}, fmt.Errorf("%w: blob dims %v exceed %d elements", ErrMalformed, full, math.MaxInt32)
		}
	}
	return tensor.NewShape(int(full[0]), int(full[1]), int(full[2]), int(full[3])), nil
}

func hasLegacyHeader(msg protoreflect.Message) bool {
	for _, name := range []protoreflect.Name{"num", "channels", "height", "width"} {
		if msg.Has(field(blobProtoDesc, name)) {
			return true
		}
	}
	return false
}

// blobValues returns the float field, or the double field narrowed to
// float32 when the float field is empty
func blobValues(msg protoreflect.Message, floats, doubles protoreflect.Name) []float32 {
	if list := msg.Get(field(blobProtoDesc, floats)).List(); list.Len() > 0 {
		out := make([]float32, list.Len())
		for i := range out {
			out[i] = float32(list.Get(i).Float())
		}
		return out
	}
	list := msg.Get(field(blobProtoDesc, doubles)).List()
	if list.Len() == 0 {
		return nil
	}
	out := make([]float32, list.Len())
	for i := range out {
		out[i] = float32(list.Get(i).Float())
	}
	return out
}
