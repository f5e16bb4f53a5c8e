package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/vjranagit/serverwatch/pkg/series"
	"github.com/vjranagit/serverwatch/pkg/smooth"
	"github.com/vjranagit/serverwatch/pkg/types"
)

var frameOpts struct {
	kind    string
	active  []string
	peakCut bool
	window  int
	alpha   float64
	indent  bool
}

var frameCmd = &cobra.Command{
	Use:   "frame [file]",
	Short: "Align series from a JSON file into a chart frame",
	Long: `Reads a JSON array of series ({"id","name","samples":[{"ts","value"}],"loss"})
from file, or stdin when no file is given, and writes the aligned frame to stdout.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if frameOpts.window < 1 {
			return fmt.Errorf("window must be at least 1, got %d", frameOpts.window)
		}
		if frameOpts.alpha <= 0 || frameOpts.alpha > 1 {
			return fmt.Errorf("alpha must be in (0, 1], got %g", frameOpts.alpha)
		}

		in := cmd.InOrStdin()
		if len(args) == 1 && args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close() //nolint:errcheck
			in = f
		}

		var input []types.NamedSeries
		if err := json.NewDecoder(in).Decode(&input); err != nil {
			return fmt.Errorf("failed to decode series: %w", err)
		}

		frame, err := buildFrame(input)
		if err != nil {
			return err
		}

		return writeFrame(cmd.OutOrStdout(), cmd.ErrOrStderr(), frame)
	},
}

func init() {
	f := frameCmd.Flags()
	f.StringVar(&frameOpts.kind, "kind", "service", "series kind: service (delay with packet loss) or metric")
	f.StringSliceVar(&frameOpts.active, "active", nil, "selected service series")
	f.BoolVar(&frameOpts.peakCut, "peak-cut", false, "apply the peak cut smoothing filter")
	f.IntVar(&frameOpts.window, "window", smooth.DefaultWindowSize, "peak cut window size")
	f.Float64Var(&frameOpts.alpha, "alpha", smooth.DefaultAlpha, "peak cut EWMA factor")
	f.BoolVar(&frameOpts.indent, "indent", false, "indent the output")
	rootCmd.AddCommand(frameCmd)
}

func buildFrame(input []types.NamedSeries) (types.WideFrame, error) {
	for i := range input {
		for j := range input[i].Samples {
			input[i].Samples[j].Timestamp = series.NormalizeMillis(input[i].Samples[j].Timestamp)
		}
	}

	var (
		frame  types.WideFrame
		active []string
	)

	switch frameOpts.kind {
	case "service":
		active = frameOpts.active
		if len(active) == 1 {
			frame = series.Narrow(series.Group(input), active[0])
		} else {
			frame = series.Align(input)
		}
	case "metric":
		frame = series.Merge(input)
	default:
		return types.WideFrame{}, fmt.Errorf("unknown kind %q", frameOpts.kind)
	}

	smoother := smooth.Smoother{
		Enabled:    frameOpts.peakCut,
		WindowSize: frameOpts.window,
		Alpha:      frameOpts.alpha,
	}
	return smoother.Smooth(frame, active), nil
}

func writeFrame(out, status io.Writer, frame types.WideFrame) error {
	var (
		data []byte
		err  error
	)
	if frameOpts.indent {
		data, err = json.MarshalIndent(frame, "", "  ")
	} else {
		data, err = json.Marshal(frame)
	}
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintln(out, string(data)); err != nil {
		return err
	}

	fmt.Fprintf(status, "%s rows, %d series, %s\n",
		humanize.Comma(int64(len(frame.Rows))), len(frame.Series), humanize.Bytes(uint64(len(data))))

	return nil
}
