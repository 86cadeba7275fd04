package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"

	"github.com/spf13/cobra"
	"github.com/zeebo/blake3"

	"github.com/astromechza/pixel-place/pkg/canvas"
	"github.com/astromechza/pixel-place/pkg/render"
	"github.com/astromechza/pixel-place/pkg/viewport"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	var (
		top      int
		preview  bool
		viewSize int
	)
	cmd := &cobra.Command{
		Use:           "place-inspect FILE",
		Short:         "Summarize a saved canvas snapshot",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return inspect(cmd.OutOrStdout(), args[0], top, preview, viewSize)
		},
	}
	cmd.Flags().IntVar(&top, "top", 10, "number of most used colors to list")
	cmd.Flags().BoolVar(&preview, "preview", false, "render a fitted preview to a temp file")
	cmd.Flags().IntVar(&viewSize, "preview-size", 512, "edge length of the preview in pixels")
	return cmd.Execute()
}

type colorCount struct {
	color canvas.Color
	count int
}

// histogram counts pixels per color, most used first.
func histogram(r *canvas.Raster) []colorCount {
	counts := make(map[canvas.Color]int)
	for i := 0; i+canvas.BytesPerPixel <= len(r.Pix); i += canvas.BytesPerPixel {
		counts[canvas.Color{R: r.Pix[i], G: r.Pix[i+1], B: r.Pix[i+2]}]++
	}
	out := make([]colorCount, 0, len(counts))
	for c, n := range counts {
		out = append(out, colorCount{color: c, count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].count != out[j].count {
			return out[i].count > out[j].count
		}
		return out[i].color.String() < out[j].color.String()
	})
	return out
}

func inspect(w io.Writer, path string, top int, preview bool, viewSize int) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open input file: %w", err)
	}
	defer f.Close()
	r, err := canvas.DecodeRasterNative(f)
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}
	digest := blake3.Sum256(r.Pix)
	slog.Info("loaded snapshot", "width", r.Width, "height", r.Height, "blake3", hex.EncodeToString(digest[:]))

	colors := histogram(r)
	total := r.Width * r.Height
	painted := total
	for _, cc := range colors {
		if cc.color == canvas.White {
			painted -= cc.count
		}
	}
	slog.Info("coverage", "colors", len(colors), "painted", painted, "total", total)

	for i, cc := range colors {
		if i >= top {
			break
		}
		_, _ = fmt.Fprintf(w, "%4d %s %d %.2f%%\n", i, cc.color, cc.count, 100*float64(cc.count)/float64(total))
	}

	if preview {
		renderer, err := render.NewSoftware(viewSize, viewSize, viewport.New(0, 0, viewSize, viewSize, viewport.Options{MinZoom: 0.001, MaxZoom: 1024}))
		if err != nil {
			return err
		}
		renderer.SetTexture(r)
		renderer.SetStatus(fmt.Sprintf("%dx%d %s", r.Width, r.Height, hex.EncodeToString(digest[:4])))
		renderer.Draw()
		if p, err := renderer.RenderToTemp(); err != nil {
			return fmt.Errorf("failed to render: %w", err)
		} else {
			slog.Info("rendered", "path", "file://"+p)
		}
	}
	return nil
}
