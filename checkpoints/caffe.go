package checkpoints

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"
)

var ErrMalformed = errors.New("malformed protobuf message")

// caffeFile describes the subset of caffe.proto read and written here.
// Fields left out (layer bottoms, solver state, ...) decode as unknown
// fields and are ignored.
var caffeFile = &descriptorpb.FileDescriptorProto{
	Name:    proto.String("caffe.proto"),
	Package: proto.String("caffe"),
	Syntax:  proto.String("proto2"),
	MessageType: []*descriptorpb.DescriptorProto{
		{
			Name: proto.String("BlobShape"),
			Field: []*descriptorpb.FieldDescriptorProto{
				packedField("dim", 1, descriptorpb.FieldDescriptorProto_TYPE_INT64),
			},
		},
		{
			Name: proto.String("BlobProto"),
			Field: []*descriptorpb.FieldDescriptorProto{
				scalarField("num", 1, descriptorpb.FieldDescriptorProto_TYPE_INT32),
				scalarField("channels", 2, descriptorpb.FieldDescriptorProto_TYPE_INT32),
				scalarField("height", 3, descriptorpb.FieldDescriptorProto_TYPE_INT32),
				scalarField("width", 4, descriptorpb.FieldDescriptorProto_TYPE_INT32),
				packedField("data", 5, descriptorpb.FieldDescriptorProto_TYPE_FLOAT),
				packedField("diff", 6, descriptorpb.FieldDescriptorProto_TYPE_FLOAT),
				messageField("shape", 7, ".caffe.BlobShape", false),
				packedField("double_data", 8, descriptorpb.FieldDescriptorProto_TYPE_DOUBLE),
				packedField("double_diff", 9, descriptorpb.FieldDescriptorProto_TYPE_DOUBLE),
			},
		},
		{
			Name: proto.String("LayerParameter"),
			Field: []*descriptorpb.FieldDescriptorProto{
				scalarField("name", 1, descriptorpb.FieldDescriptorProto_TYPE_STRING),
				scalarField("type", 2, descriptorpb.FieldDescriptorProto_TYPE_STRING),
				messageField("blobs", 7, ".caffe.BlobProto", true),
			},
		},
		{
			Name: proto.String("V1LayerParameter"),
			Field: []*descriptorpb.FieldDescriptorProto{
				scalarField("name", 4, descriptorpb.FieldDescriptorProto_TYPE_STRING),
				messageField("blobs", 6, ".caffe.BlobProto", true),
			},
		},
		{
			Name: proto.String("NetParameter"),
			Field: []*descriptorpb.FieldDescriptorProto{
				scalarField("name", 1, descriptorpb.FieldDescriptorProto_TYPE_STRING),
				messageField("layers", 2, ".caffe.V1LayerParameter", true),
				messageField("layer", 100, ".caffe.LayerParameter", true),
			},
		},
	},
}

func scalarField(name string, num int32, typ descriptorpb.FieldDescriptorProto_Type) *descriptorpb.FieldDescriptorProto {
	return &descriptorpb.FieldDescriptorProto{
		Name:   proto.String(name),
		Number: proto.Int32(num),
		Label:  descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
		Type:   typ.Enum(),
	}
}

// packedField is a repeated scalar written packed. Decoding accepts the
// unpacked encoding too.
func packedField(name string, num int32, typ descriptorpb.FieldDescriptorProto_Type) *descriptorpb.FieldDescriptorProto {
	return &descriptorpb.FieldDescriptorProto{
		Name:    proto.String(name),
		Number:  proto.Int32(num),
		Label:   descriptorpb.FieldDescriptorProto_LABEL_REPEATED.Enum(),
		Type:    typ.Enum(),
		Options: &descriptorpb.FieldOptions{Packed: proto.Bool(true)},
	}
}

func messageField(name string, num int32, typeName string, repeated bool) *descriptorpb.FieldDescriptorProto {
	label := descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL
	if repeated {
		label = descriptorpb.FieldDescriptorProto_LABEL_REPEATED
	}
	return &descriptorpb.FieldDescriptorProto{
		Name:     proto.String(name),
		Number:   proto.Int32(num),
		Label:    label.Enum(),
		Type:     descriptorpb.FieldDescriptorProto_TYPE_MESSAGE.Enum(),
		TypeName: proto.String(typeName),
	}
}

var (
	blobShapeDesc    protoreflect.MessageDescriptor
	blobProtoDesc    protoreflect.MessageDescriptor
	layerParamDesc   protoreflect.MessageDescriptor
	v1LayerParamDesc protoreflect.MessageDescriptor
	netParamDesc     protoreflect.MessageDescriptor
)

func init() {
	fd, err := protodesc.NewFile(caffeFile, nil)
	if err != nil {
		panic(fmt.Sprintf("caffe descriptors: %v", err))
	}
	msgs := fd.Messages()
	blobShapeDesc = msgs.ByName("BlobShape")
	blobProtoDesc = msgs.ByName("BlobProto")
	layerParamDesc = msgs.ByName("LayerParameter")
	v1LayerParamDesc = msgs.ByName("V1LayerParameter")
	netParamDesc = msgs.ByName("NetParameter")
}

func field(md protoreflect.MessageDescriptor, name protoreflect.Name) protoreflect.FieldDescriptor {
	return md.Fields().ByName(name)
}

// unmarshal decodes b as a new message of type md
func unmarshal(b []byte, md protoreflect.MessageDescriptor) (*dynamicpb.Message, error) {
	msg := dynamicpb.NewMessage(md)
	if err := proto.Unmarshal(b, msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, md.Name(), err)
	}
	return msg, nil
}
