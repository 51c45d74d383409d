package bridge

import (
	"github.com/tsawler/go-netbridge/engine"
	"github.com/tsawler/go-netbridge/host"
	"github.com/tsawler/go-netbridge/tensor"
)

// extractGradients asks the engine for the input gradients of each selected
// channel of layer and packs them into one [W, H, C, len(channels)] array,
// one item per channel in selection order. The engine hands back the
// selection in batches of up to BatchSize channels; each batch is copied
// out and released before returning, also when a check fails.
func extractGradients(ctx engine.Context, net engine.Net, layer string, channels []int) (*host.Single, error) {
	width := net.BatchSize()
	if width <= 0 {
		return nil, consistencyError("engine reports batch size %d", width)
	}

	batches, err := net.CalcGradientsPrefilled(ctx, layer, channels)
	if err != nil {
		return nil, err
	}
	defer batches.Release()

	if batches.Len() == 0 {
		return nil, consistencyError("engine returned no gradient batches for %d channels", len(channels))
	}

	first := batches.At(0).Shape()
	spatial := first.Spatial()
	out := host.NewSingle(first.Width, first.Height, first.Channels, len(channels))

	left := len(channels)
	offset := 0
	for i := 0; i < batches.Len(); i++ {
		b := batches.At(i)
		if got := b.Shape().Spatial(); got != spatial {
			return nil, consistencyError("batch %d has spatial size %d, batch 0 has %d", i, got, spatial)
		}
		if left == 0 {
			return nil, consistencyError("batch %d arrived after all %d channels were copied", i, len(channels))
		}

		want := spatial * min(left, width)
		n := min(b.Count(), want)
		if n < want {
			return nil, consistencyError("batch %d holds %d elements, expected at least %d", i, n, want)
		}
		if offset+n > len(out.Data) {
			return nil, consistencyError("batch %d overruns the output by %d elements", i, offset+n-len(out.Data))
		}
		if err := tensor.CopyPrefix(out.Data[offset:offset+n], b, tensor.Diff, ctx.Mode); err != nil {
			return nil, err
		}
		offset += n
		left = max(0, left-width)
	}

	if total := spatial * len(channels); offset != total {
		return nil, consistencyError("copied %d gradient elements, expected %d", offset, total)
	}
	return out, nil
}
