package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/astromechza/pixel-place/pkg/canvas"
	"github.com/astromechza/pixel-place/pkg/config"
	"github.com/astromechza/pixel-place/pkg/mirror"
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
	if err := config.LoadDotEnv(); err != nil {
		return err
	}
	cfg, err := config.LoadClient()
	if err != nil {
		return err
	}
	root := &cobra.Command{
		Use:           "place-client",
		Short:         "Headless client for a shared pixel canvas",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			logger, err := config.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)
			return nil
		},
	}
	cfg.AddFlags(root.PersistentFlags())
	root.AddCommand(watchCmd(cfg), paintCmd(cfg), scribbleCmd(cfg))
	return root.Execute()
}

func mirrorOptions(cfg *config.Client) mirror.Options {
	return mirror.Options{
		ReconnectMin: cfg.ReconnectMin,
		ReconnectMax: cfg.ReconnectMax,
		MaxRetries:   cfg.ReconnectRetries,
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-exit:
			slog.Info("Signal caught", "sig", sig)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(exit)
	}()
	return ctx, cancel
}

func watchCmd(cfg *config.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Mirror the canvas and periodically render the view to a png",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			mapper := viewport.New(0, 0, cfg.ViewWidth, cfg.ViewHeight, viewport.Options{MinZoom: cfg.ZoomMin, MaxZoom: cfg.ZoomMax})
			renderer, err := render.NewSoftware(cfg.ViewWidth, cfg.ViewHeight, mapper)
			if err != nil {
				return err
			}
			opts := mirrorOptions(cfg)
			opts.OnState = func(s mirror.State, err error) {
				if err != nil {
					renderer.SetStatus(fmt.Sprintf("%s: %v", s, err))
				} else {
					renderer.SetStatus(s.String())
				}
				renderer.Draw()
			}
			m, err := mirror.New(cfg.ServerURL, renderer, opts, slog.Default())
			if err != nil {
				return err
			}

			wg := new(sync.WaitGroup)
			wg.Add(1)
			go func() {
				defer wg.Done()
				writeFramesContinuously(ctx, renderer, cfg.Output, cfg.RenderInterval)
			}()

			err = m.Run(ctx)
			cancel()
			wg.Wait()
			if serr := renderer.SavePNG(cfg.Output); serr != nil {
				slog.Error("failed to write final frame", "err", serr)
			} else {
				slog.Info("rendered", "path", "file://"+cfg.Output)
			}
			return err
		},
	}
}

func writeFramesContinuously(ctx context.Context, renderer *render.Software, path string, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	written := -1
	for {
		select {
		case <-t.C:
			if n := renderer.Frames(); n != written {
				if err := renderer.SavePNG(path); err != nil {
					slog.Error("failed to write frame", "err", err)
					continue
				}
				written = n
				slog.Debug("wrote frame", "path", path, "frame", n)
			}
		case <-ctx.Done():
			return
		}
	}
}

func paintCmd(cfg *config.Client) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "paint X Y COLOR",
		Short: "Set one pixel and wait for the server to echo it back",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			x, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return fmt.Errorf("invalid x: %w", err)
			}
			y, err := strconv.ParseUint(args[1], 10, 32)
			if err != nil {
				return fmt.Errorf("invalid y: %w", err)
			}
			c, err := canvas.ParseColor(args[2])
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()
			ctx, cancelTimeout := context.WithTimeout(ctx, timeout)
			defer cancelTimeout()

			m, err := mirror.New(cfg.ServerURL, nil, mirrorOptions(cfg), slog.Default())
			if err != nil {
				return err
			}
			runErr := make(chan error, 1)
			go func() { runErr <- m.Run(ctx) }()
			defer func() {
				cancel()
				<-runErr
			}()

			if err := m.WaitState(ctx, mirror.Live); err != nil {
				return fmt.Errorf("failed to connect: %w", err)
			}
			return paint(ctx, m, uint32(x), uint32(y), c)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "how long to wait for the update to be confirmed")
	return cmd
}

func paint(ctx context.Context, m *mirror.Mirror, x, y uint32, c canvas.Color) error {
	sent, err := m.RequestSet(x, y, c)
	if err != nil {
		return err
	}
	if !sent {
		slog.Info("pixel already has that color", "x", x, "y", y, "color", c)
		return nil
	}
	t := time.NewTicker(10 * time.Millisecond)
	defer t.Stop()
	for {
		if got, _ := m.ColorAt(x, y); got == c {
			slog.Info("painted", "x", x, "y", y, "color", c)
			return nil
		}
		select {
		case <-t.C:
		case <-ctx.Done():
			return fmt.Errorf("update was not confirmed: %w", ctx.Err())
		}
	}
}

func scribbleCmd(cfg *config.Client) *cobra.Command {
	var every time.Duration
	cmd := &cobra.Command{
		Use:   "scribble",
		Short: "Drive random pointer input against the canvas until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			mapper := viewport.New(0, 0, cfg.ViewWidth, cfg.ViewHeight, viewport.Options{MinZoom: cfg.ZoomMin, MaxZoom: cfg.ZoomMax})
			m, err := mirror.New(cfg.ServerURL, nil, mirrorOptions(cfg), slog.Default())
			if err != nil {
				return err
			}
			g := &viewport.Gestures{
				Mapper:  mapper,
				Painter: m,
				OnError: func(err error) { slog.Warn("paint failed", "err", err) },
			}

			wg := new(sync.WaitGroup)
			wg.Add(1)
			go func() {
				defer wg.Done()
				scribbleContinuously(ctx, m, g, cfg.ViewWidth, cfg.ViewHeight, every)
			}()

			err = m.Run(ctx)
			cancel()
			wg.Wait()
			return err
		},
	}
	cmd.Flags().DurationVar(&every, "every", time.Second, "base delay between gestures, up to 4x this is added at random")
	return cmd
}

func scribbleContinuously(ctx context.Context, m *mirror.Mirror, g *viewport.Gestures, viewW, viewH int, every time.Duration) {
	for {
		t := time.NewTimer(every + every*time.Duration(rand.Intn(5)))
		select {
		case <-t.C:
			if m.State() != mirror.Live {
				slog.Info("skipping gesture", "state", m.State())
				continue
			}
			if w, h, ok := m.Size(); ok {
				g.Mapper.SetCanvasSize(w, h)
			}
			p := viewport.Point{X: rand.Float64() * float64(viewW), Y: rand.Float64() * float64(viewH)}
			switch n := rand.Intn(10); {
			case n == 0:
				g.OnPointerDown(p, viewport.ButtonMiddle, false)
				slog.Info("picked color", "brush", g.Brush)
			case n == 1:
				g.OnWheel(rand.Float64()*2-1, p)
				slog.Info("zoomed", "zoom", g.Mapper.Zoom())
			default:
				g.Brush = canvas.Color{R: uint8(rand.Intn(256)), G: uint8(rand.Intn(256)), B: uint8(rand.Intn(256))}
				if sent := g.Paint(p); sent {
					slog.Info("painted", "brush", g.Brush)
				}
			}
		case <-ctx.Done():
			t.Stop()
			slog.Info("stopping scheduled scribbles")
			return
		}
	}
}
