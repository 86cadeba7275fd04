package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/astromechza/pixel-place/pkg/canvas"
	"github.com/astromechza/pixel-place/pkg/config"
	"github.com/astromechza/pixel-place/pkg/hub"
	"github.com/astromechza/pixel-place/pkg/metrics"
	"github.com/astromechza/pixel-place/pkg/persist"
	"github.com/astromechza/pixel-place/pkg/server"
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
	cfg, err := config.LoadServer()
	if err != nil {
		return err
	}
	cmd := &cobra.Command{
		Use:           "place-server",
		Short:         "Serve a shared pixel canvas",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			logger, err := config.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)
			return run(cfg)
		},
	}
	cfg.AddFlags(cmd.Flags())
	return cmd.Execute()
}

// openSink returns the configured snapshot sink and a function releasing it.
func openSink(ctx context.Context, cfg *config.Server) (persist.Sink, func() error, error) {
	noop := func() error { return nil }
	switch cfg.SnapshotBackend {
	case config.BackendFile:
		return persist.NewFileSink(cfg.PlaceFile), noop, nil
	case config.BackendSQLite:
		s, err := persist.OpenSQLiteSink(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case config.BackendS3:
		client := persist.NewS3Client(persist.S3Options{
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
			PathStyle:       cfg.S3PathStyle,
		})
		return persist.NewS3Sink(client, cfg.S3Bucket, cfg.S3Key, canvas.ContentType), noop, nil
	case config.BackendRedis:
		client, err := persist.DialRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return persist.NewRedisSink(client, cfg.RedisKey), client.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown snapshot backend %q", cfg.SnapshotBackend)
}

func run(cfg *config.Server) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink, closeSink, err := openSink(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open snapshot sink: %w", err)
	}
	defer func() {
		if err := closeSink(); err != nil {
			slog.Error("failed to close snapshot sink", "err", err)
		}
	}()

	store, err := canvas.NewStore(cfg.Width, cfg.Height)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	saver := persist.NewSaver(store, sink, cfg.SaveEvery(), slog.Default(), m)
	slog.Info("restoring canvas", "sink", sink.Describe(), "width", cfg.Width, "height", cfg.Height)
	if err := saver.Restore(ctx); err != nil {
		return err
	}

	router := hub.NewRouter(store, hub.Options{
		MaxSessions:   cfg.MaxConnections,
		SessionsPerIP: cfg.ConnectionsPerIP,
		SendQueue:     cfg.SendQueue,
		PingInterval:  cfg.PingEvery(),
	}, slog.Default(), m)

	ln, err := server.Listen(cfg.ListenAddress(), cfg.MaxConnections)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	httpServer := &http.Server{
		Handler:           server.New(store, router, saver, reg, slog.Default()).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		saver.Run(ctx)
	}()

	serveErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("listening", "addr", ln.Addr().String())
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	var runErr error
	select {
	case sig := <-exit:
		slog.Info("Signal caught", "sig", sig)
	case err := <-serveErr:
		runErr = fmt.Errorf("server failed: %w", err)
	}
	cancel()
	router.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shut down http server", "err", err)
		_ = httpServer.Close()
	}

	wg.Wait()

	if saved, err := saver.SaveNow(shutdownCtx); err != nil {
		slog.Error("failed to save snapshot on shutdown", "err", err)
	} else {
		slog.Info("final snapshot", "sink", sink.Describe(), "written", saved)
	}
	return runErr
}
