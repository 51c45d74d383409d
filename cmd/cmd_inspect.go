package cmd

import (
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/tsawler/go-netbridge/bridge"
	"github.com/tsawler/go-netbridge/host"
	"github.com/tsawler/go-netbridge/layers"
	"github.com/tsawler/go-netbridge/tensor"
)

func newTable(w io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	return table
}

func dimsString(dims []int) string {
	parts := make([]string, len(dims))
	for i, d := range dims {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, "x")
}

// InspectHandler loads a network and prints its layers and blobs
func InspectHandler(cmd *cobra.Command, args []string) error {
	session, err := newSession(cmd)
	if err != nil {
		return err
	}
	defer session.Close()

	if _, err := session.Call("init", 0, host.String(args[0]), host.String(args[1])); err != nil {
		return err
	}
	net := session.Net()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "network %q, batch size %d\n\n", net.Name(), net.BatchSize())

	var layerRows [][]string
	for _, l := range net.Layers() {
		shapes := make([]string, len(l.Params()))
		count := 0
		for i, p := range l.Params() {
			shapes[i] = dimsString(p.Shape().Dims())
			count += p.Count()
		}
		layerRows = append(layerRows, []string{l.Name(), l.Type(), strconv.Itoa(count), strings.Join(shapes, " ")})
	}
	table := newTable(out, []string{"LAYER", "TYPE", "PARAMS", "SHAPES"})
	table.AppendBulk(layerRows)
	table.Render()
	fmt.Fprintln(out)

	res, err := session.Call("get_blobs", 1)
	if err != nil {
		return err
	}
	blobs := res[0].(*host.Struct)
	var rows [][]string
	for i := range blobs.Elems {
		name, _ := host.AsString(blobs.Get(i, "blob_names"))
		data := blobs.Get(i, "data").(*host.Single)
		rows = append(rows, []string{name, dimsString(data.Size), formatFloat(absMax(data.Data))})
	}
	table = newTable(out, []string{"BLOB", "DIMS", "MAX |DATA|"})
	table.AppendBulk(rows)
	table.Render()

	if summary, _ := cmd.Flags().GetBool("summary"); summary {
		described, ok := net.(interface{ Spec() *layers.NetSpec })
		if !ok {
			return fmt.Errorf("engine %T has no network summary", net)
		}
		fmt.Fprintln(out)
		fmt.Fprint(out, described.Spec().Summary())
	}
	return nil
}

// MeanHandler prints a mean file's dims and per-channel statistics
func MeanHandler(cmd *cobra.Command, args []string) error {
	session := bridge.NewSession(bridge.WithLogger(cmdLogger()))

	res, err := session.Call("read_mean", 1, host.String(args[0]))
	if err != nil {
		return err
	}
	mean := res[0].(*host.Single)
	shape, err := mean.Shape()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "dims %s (width x height x channels x num)\n\n", dimsString(mean.Size))

	var rows [][]string
	for c := 0; c < shape.Channels; c++ {
		avg, lo, hi := channelStats(mean.Data, shape, c)
		rows = append(rows, []string{strconv.Itoa(c), formatFloat(avg), formatFloat(lo), formatFloat(hi)})
	}
	table := newTable(out, []string{"CHANNEL", "MEAN", "MIN", "MAX"})
	table.AppendBulk(rows)
	table.Render()
	return nil
}

func channelStats(data []float32, s tensor.Shape, c int) (avg, lo, hi float64) {
	lo, hi = math.Inf(1), math.Inf(-1)
	n := 0
	for i := 0; i < s.Num; i++ {
		for h := 0; h < s.Height; h++ {
			for w := 0; w < s.Width; w++ {
				v := float64(data[s.Offset(i, c, h, w)])
				avg += v
				lo = math.Min(lo, v)
				hi = math.Max(hi, v)
				n++
			}
		}
	}
	if n > 0 {
		avg /= float64(n)
	}
	return avg, lo, hi
}

func absMax(vals []float32) float64 {
	m := 0.0
	for _, v := range vals {
		m = math.Max(m, math.Abs(float64(v)))
	}
	return m
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', 6, 64)
}

func newInspectCmd() *cobra.Command {
	inspectCmd := &cobra.Command{
		Use:   "inspect DEFINITION WEIGHTS",
		Short: "Show the layers and blobs of a network",
		Args:  cobra.ExactArgs(2),
		RunE:  InspectHandler,
	}
	inspectCmd.Flags().Bool("summary", false, "Also print the per-layer definition summary")
	addSessionFlags(inspectCmd)
	return inspectCmd
}

func newMeanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mean FILE",
		Short: "Show the dims and per-channel statistics of a mean file",
		Args:  cobra.ExactArgs(1),
		RunE:  MeanHandler,
	}
}

func newCommandsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "commands",
		Short: "List the bridge commands",
		Args:  cobra.ExactArgs(0),
		Run: func(cmd *cobra.Command, _ []string) {
			for _, name := range bridge.Commands() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
		},
	}
}
