package persist

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zeebo/blake3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/astromechza/pixel-place/pkg/canvas"
	"github.com/astromechza/pixel-place/pkg/metrics"
)

var tracer = otel.Tracer("github.com/astromechza/pixel-place/pkg/persist")

// Saver runs the snapshot -> encode -> overwrite sequence against a Sink.
// Saves are serialized, and a save whose raster digest matches the previous
// successful save is skipped.
type Saver struct {
	store    *canvas.Store
	sink     Sink
	interval time.Duration
	log      *slog.Logger
	metrics  *metrics.Metrics

	mu         sync.Mutex
	lastDigest [32]byte
	hasDigest  bool
}

func NewSaver(store *canvas.Store, sink Sink, interval time.Duration, logger *slog.Logger, m *metrics.Metrics) *Saver {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.Discard()
	}
	return &Saver{store: store, sink: sink, interval: interval, log: logger, metrics: m}
}

// Restore initializes the store from the sink, or with the default raster if
// the sink holds no snapshot. A snapshot that exists but cannot be decoded is
// an error so it is never overwritten with a blank canvas.
func (s *Saver) Restore(ctx context.Context) error {
	raw, err := s.sink.Load(ctx)
	if err != nil {
		if errors.Is(err, ErrNoSnapshot) {
			s.log.Info("no snapshot found, starting from blank canvas", "sink", s.sink.Describe())
			s.store.Default()
			return nil
		}
		return fmt.Errorf("failed to load snapshot: %w", err)
	}
	if err := s.store.Load(bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("failed to restore snapshot from %s: %w", s.sink.Describe(), err)
	}
	if snap, err := s.store.Snapshot(); err == nil {
		s.mu.Lock()
		s.lastDigest, s.hasDigest = blake3.Sum256(snap.Pix), true
		s.mu.Unlock()
	}
	s.log.Info("restored snapshot", "sink", s.sink.Describe(), "bytes", len(raw))
	return nil
}

// SaveNow persists the current raster. It reports whether anything was written.
func (s *Saver) SaveNow(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, span := tracer.Start(ctx, "persist.Save")
	defer span.End()
	span.SetAttributes(attribute.String("sink", s.sink.Describe()))

	start := time.Now()
	snap, err := s.store.Snapshot()
	if err != nil {
		return false, s.fail(span, fmt.Errorf("failed to snapshot canvas: %w", err))
	}
	digest := blake3.Sum256(snap.Pix)
	if s.hasDigest && digest == s.lastDigest {
		s.metrics.SnapshotSaves.WithLabelValues("unchanged").Inc()
		span.SetAttributes(attribute.Bool("unchanged", true))
		return false, nil
	}

	encoded, err := canvas.EncodeRasterBytes(snap)
	if err != nil {
		return false, s.fail(span, err)
	}
	if err := s.sink.Save(ctx, encoded); err != nil {
		return false, s.fail(span, err)
	}
	s.lastDigest, s.hasDigest = digest, true

	elapsed := time.Since(start)
	s.metrics.SnapshotSaves.WithLabelValues("ok").Inc()
	s.metrics.SnapshotDuration.Observe(elapsed.Seconds())
	s.metrics.SnapshotBytes.Set(float64(len(encoded)))
	span.SetAttributes(attribute.Int("bytes", len(encoded)))
	s.log.Info("saved snapshot", "sink", s.sink.Describe(), "bytes", len(encoded), "duration", elapsed)
	return true, nil
}

func (s *Saver) fail(span trace.Span, err error) error {
	s.metrics.SnapshotSaves.WithLabelValues("error").Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Run saves every interval until ctx is cancelled. Failed saves are logged and
// retried on the next tick. The final save on shutdown is the caller's job.
func (s *Saver) Run(ctx context.Context) {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if _, err := s.SaveNow(ctx); err != nil {
				s.log.Error("failed to save snapshot", "err", err)
			}
		case <-ctx.Done():
			s.log.Info("stopping scheduled snapshots")
			return
		}
	}
}
