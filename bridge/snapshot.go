package bridge

import (
	"github.com/tsawler/go-netbridge/engine"
	"github.com/tsawler/go-netbridge/host"
	"github.com/tsawler/go-netbridge/memory"
	"github.com/tsawler/go-netbridge/tensor"
)

// weightsSnapshot returns one struct element per layer with parameters.
// Consecutive layers sharing a name are merged into one element.
func weightsSnapshot(net engine.Net, mode memory.DeviceType) (*host.Struct, error) {
	out := host.NewStruct(0, "weights", "layer_names")

	prev := ""
	for _, l := range net.Layers() {
		params := l.Params()
		if len(params) == 0 {
			continue
		}

		arrays := make(host.Cell, len(params))
		for i, p := range params {
			a, err := toHost(p, tensor.Data, mode)
			if err != nil {
				return nil, err
			}
			arrays[i] = a
		}

		if n := len(out.Elems); n > 0 && l.Name() == prev {
			existing := out.Get(n-1, "weights").(host.Cell)
			out.Set(n-1, "weights", append(existing, arrays...))
			continue
		}

		i := out.Append()
		out.Set(i, "weights", arrays)
		out.Set(i, "layer_names", host.String(l.Name()))
		prev = l.Name()
	}
	return out, nil
}

// blobsSnapshot returns one struct element per named blob
func blobsSnapshot(net engine.Net, mode memory.DeviceType) (*host.Struct, error) {
	blobs := net.Blobs()
	names := net.BlobNames()
	out := host.NewStruct(len(blobs), "diff", "data", "blob_names")

	for i, b := range blobs {
		diff, err := toHost(b, tensor.Diff, mode)
		if err != nil {
			return nil, err
		}
		data, err := toHost(b, tensor.Data, mode)
		if err != nil {
			return nil, err
		}
		out.Set(i, "diff", diff)
		out.Set(i, "data", data)
		out.Set(i, "blob_names", host.String(names[i]))
	}
	return out, nil
}

func toHost(b *tensor.Blob, f tensor.Field, mode memory.DeviceType) (*host.Single, error) {
	data, err := tensor.CopyToHost(b, f, mode)
	if err != nil {
		return nil, err
	}
	return &host.Single{Size: b.Shape().Dims(), Data: data}, nil
}
