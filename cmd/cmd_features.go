package cmd

import (
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tsawler/go-netbridge/host"
	"github.com/tsawler/go-netbridge/vision/dataset"
	"github.com/tsawler/go-netbridge/vision/preprocessing"
)

// FeaturesHandler runs every image under a directory through a network and
// prints the strongest response of a layer's first top per image
func FeaturesHandler(cmd *cobra.Command, args []string) error {
	layer, _ := cmd.Flags().GetString("layer")
	meanPath, _ := cmd.Flags().GetString("mean")
	workers, _ := cmd.Flags().GetInt("workers")

	images, err := dataset.NewImageFolderDataset(args[2], nil)
	if err != nil {
		return err
	}

	session, err := newSession(cmd)
	if err != nil {
		return err
	}
	defer session.Close()

	if _, err := session.Call("init", 0, host.String(args[0]), host.String(args[1])); err != nil {
		return err
	}
	inputs := session.Net().InputBlobs()
	if len(inputs) != 1 {
		return fmt.Errorf("network has %d inputs, image features need exactly one", len(inputs))
	}
	shape := inputs[0].Shape()
	if shape.Channels != 3 {
		return fmt.Errorf("network input has %d channels, images have 3", shape.Channels)
	}

	var opts []preprocessing.Option
	if meanPath != "" {
		res, err := session.Call("read_mean", 1, host.String(meanPath))
		if err != nil {
			return err
		}
		opts = append(opts, preprocessing.WithMean(res[0].(*host.Single)))
	}

	batches, err := images.Batches(shape.Num)
	if err != nil {
		return err
	}

	labelled := images.NumClasses() > 0
	var rows [][]string
	next := 0
	for _, paths := range batches {
		batch, err := preprocessing.PreprocessBatch(paths, shape.Width, shape.Height, workers, opts...)
		if err != nil {
			return err
		}
		// The network always takes a full batch; pad a short one with zeros
		if len(paths) < shape.Num {
			full := host.SingleFromShape(shape)
			copy(full.Data, batch.Data)
			batch = full
		}

		res, err := session.Call("get_features", 1, host.Cell{batch}, host.String(layer))
		if err != nil {
			return err
		}
		tops := res[0].(host.Cell)
		if len(tops) == 0 {
			return fmt.Errorf("layer %s has no outputs", layer)
		}
		top := tops[0].(*host.Single)
		item := len(top.Data) / shape.Num

		for i, path := range paths {
			_, label, err := images.GetItem(next)
			if err != nil {
				return err
			}
			next++
			idx, val := argmax(top.Data[i*item : (i+1)*item])
			row := []string{filepath.Base(path)}
			if labelled {
				row = append(row, images.ClassName(label))
			}
			rows = append(rows, append(row, strconv.Itoa(idx), formatFloat(val)))
		}
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%slayer %s\n\n", images, layer)
	header := []string{"IMAGE", "CLASS", "ARGMAX", "VALUE"}
	if !labelled {
		header = append(header[:1], header[2:]...)
	}
	table := newTable(out, header)
	table.AppendBulk(rows)
	table.Render()
	return nil
}

func argmax(vals []float32) (int, float64) {
	best := -1
	var bestVal float32
	for i, v := range vals {
		if best < 0 || v > bestVal {
			best, bestVal = i, v
		}
	}
	return best, float64(bestVal)
}

func newFeaturesCmd() *cobra.Command {
	featuresCmd := &cobra.Command{
		Use:   "features DEFINITION WEIGHTS DIR",
		Short: "Run a directory of images through a network",
		Args:  cobra.ExactArgs(3),
		RunE:  FeaturesHandler,
	}
	featuresCmd.Flags().String("layer", "", "Layer whose output is reported")
	featuresCmd.Flags().String("mean", "", "Mean file subtracted from every image")
	featuresCmd.Flags().Int("workers", 4, "Images decoded in parallel")
	featuresCmd.MarkFlagRequired("layer")
	addSessionFlags(featuresCmd)
	return featuresCmd
}
