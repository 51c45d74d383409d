package checkpoints

import (
	"fmt"
	"os"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"
)

// LayerWeights holds the learned blobs of one layer, in declared order
type LayerWeights struct {
	Name  string
	Type  string
	Blobs []*BlobProto
}

// NetParameter is the subset of a trained Caffe model the bridge needs:
// the net name plus each layer's learned blobs.
type NetParameter struct {
	Name   string
	Layers []LayerWeights
}

// ReadNetParameterFile reads a binary trained model
func ReadNetParameterFile(path string) (*NetParameter, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read weights file: %w", err)
	}
	net, err := UnmarshalNetParameter(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse weights file %s: %w", path, err)
	}
	return net, nil
}

// WriteNetParameterFile writes a binary trained model
func WriteNetParameterFile(path string, net *NetParameter) error {
	raw, err := MarshalNetParameter(net)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, raw, 0644); err != nil {
		return fmt.Errorf("failed to write weights file: %w", err)
	}
	return nil
}

// MarshalNetParameter encodes net using the current LayerParameter field
func MarshalNetParameter(net *NetParameter) ([]byte, error) {
	msg := dynamicpb.NewMessage(netParamDesc)
	if net.Name != "" {
		msg.Set(field(netParamDesc, "name"), protoreflect.ValueOfString(net.Name))
	}
	layers := msg.Mutable(field(netParamDesc, "layer")).List()
	for _, l := range net.Layers {
		lm := dynamicpb.NewMessage(layerParamDesc)
		lm.Set(field(layerParamDesc, "name"), protoreflect.ValueOfString(l.Name))
		if l.Type != "" {
			lm.Set(field(layerParamDesc, "type"), protoreflect.ValueOfString(l.Type))
		}
		blobs := lm.Mutable(field(layerParamDesc, "blobs")).List()
		for _, blob := range l.Blobs {
			blobs.Append(protoreflect.ValueOfMessage(blobMessage(blob)))
		}
		layers.Append(protoreflect.ValueOfMessage(lm))
	}

	b, err := proto.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode net %q: %w", net.Name, err)
	}
	return b, nil
}

// UnmarshalNetParameter decodes a trained model. Layers stored in the
// deprecated V1 field come first, then the current ones. Everything other
// than names, types and blobs is skipped.
func UnmarshalNetParameter(b []byte) (*NetParameter, error) {
	msg, err := unmarshal(b, netParamDesc)
	if err != nil {
		return nil, err
	}

	net := &NetParameter{Name: msg.Get(field(netParamDesc, "name")).String()}
	for _, group := range []struct {
		list protoreflect.List
		desc protoreflect.MessageDescriptor
	}{
		{msg.Get(field(netParamDesc, "layers")).List(), v1LayerParamDesc},
		{msg.Get(field(netParamDesc, "layer")).List(), layerParamDesc},
	} {
		for i := 0; i < group.list.Len(); i++ {
			l, err := layerWeights(group.list.Get(i).Message(), group.desc)
			if err != nil {
				return nil, err
			}
			net.Layers = append(net.Layers, l)
		}
	}
	return net, nil
}

func layerWeights(msg protoreflect.Message, desc protoreflect.MessageDescriptor) (LayerWeights, error) {
	l := LayerWeights{Name: msg.Get(field(desc, "name")).String()}
	if fd := field(desc, "type"); fd != nil {
		l.Type = msg.Get(fd).String()
	}
	blobs := msg.Get(field(desc, "blobs")).List()
	for i := 0; i < blobs.Len(); i++ {
		blob, err := blobFromMessage(blobs.Get(i).Message())
		if err != nil {
			return l, fmt.Errorf("layer %q blob %d: %w", l.Name, i, err)
		}
		l.Blobs = append(l.Blobs, blob)
	}
	return l, nil
}
