package persist

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/pixel-place/pkg/canvas"
)

type countingSink struct {
	Sink
	saves int
}

func (c *countingSink) Save(ctx context.Context, data []byte) error {
	c.saves++
	return c.Sink.Save(ctx, data)
}

func newStore(t *testing.T) *canvas.Store {
	t.Helper()
	s, err := canvas.NewStore(4, 4)
	require.NoError(t, err)
	return s
}

func TestSaver_RestoreWithoutSnapshotUsesDefault(t *testing.T) {
	store := newStore(t)
	saver := NewSaver(store, NewFileSink(filepath.Join(t.TempDir(), "place.png")), time.Minute, nil, nil)
	require.NoError(t, saver.Restore(context.Background()))

	require.True(t, store.Ready())
	c, err := store.At(3, 3)
	require.NoError(t, err)
	assert.Equal(t, canvas.White, c)
}

func TestSaver_SaveThenRestore(t *testing.T) {
	ctx := context.Background()
	sink := NewFileSink(filepath.Join(t.TempDir(), "place.png"))

	store := newStore(t)
	saver := NewSaver(store, sink, time.Minute, nil, nil)
	require.NoError(t, saver.Restore(ctx))
	require.NoError(t, store.Apply(canvas.PixelUpdate{X: 1, Y: 2, Color: canvas.Color{R: 10, G: 20, B: 30}}))
	saved, err := saver.SaveNow(ctx)
	require.NoError(t, err)
	assert.True(t, saved)

	restored := newStore(t)
	require.NoError(t, NewSaver(restored, sink, time.Minute, nil, nil).Restore(ctx))
	a, err := store.Snapshot()
	require.NoError(t, err)
	b, err := restored.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, a.Pix, b.Pix)
}

func TestSaver_SkipsUnchangedRaster(t *testing.T) {
	ctx := context.Background()
	sink := &countingSink{Sink: NewFileSink(filepath.Join(t.TempDir(), "place.png"))}
	store := newStore(t)
	saver := NewSaver(store, sink, time.Minute, nil, nil)
	require.NoError(t, saver.Restore(ctx))

	saved, err := saver.SaveNow(ctx)
	require.NoError(t, err)
	assert.True(t, saved, "a fresh default canvas has never been written")

	saved, err = saver.SaveNow(ctx)
	require.NoError(t, err)
	assert.False(t, saved)

	require.NoError(t, store.Apply(canvas.PixelUpdate{X: 0, Y: 0, Color: canvas.Color{R: 1}}))
	saved, err = saver.SaveNow(ctx)
	require.NoError(t, err)
	assert.True(t, saved)
	assert.Equal(t, 2, sink.saves)
}

func TestSaver_RestoredSnapshotIsNotRewritten(t *testing.T) {
	ctx := context.Background()
	inner := NewFileSink(filepath.Join(t.TempDir(), "place.png"))
	raster := canvas.NewRaster(4, 4)
	encoded, err := canvas.EncodeRasterBytes(raster)
	require.NoError(t, err)
	require.NoError(t, inner.Save(ctx, encoded))

	sink := &countingSink{Sink: inner}
	saver := NewSaver(newStore(t), sink, time.Minute, nil, nil)
	require.NoError(t, saver.Restore(ctx))
	saved, err := saver.SaveNow(ctx)
	require.NoError(t, err)
	assert.False(t, saved)
	assert.Zero(t, sink.saves)
}

func TestSaver_CorruptSnapshotFailsRestore(t *testing.T) {
	ctx := context.Background()
	sink := NewFileSink(filepath.Join(t.TempDir(), "place.png"))
	require.NoError(t, sink.Save(ctx, []byte("garbage")))

	store := newStore(t)
	assert.Error(t, NewSaver(store, sink, time.Minute, nil, nil).Restore(ctx))
	assert.False(t, store.Ready())

	raw, err := sink.Load(ctx)
	require.NoError(t, err)
	assert.True(t, bytes.Equal([]byte("garbage"), raw))
}

func TestSaver_SaveBeforeInitFails(t *testing.T) {
	saver := NewSaver(newStore(t), NewFileSink(filepath.Join(t.TempDir(), "place.png")), time.Minute, nil, nil)
	_, err := saver.SaveNow(context.Background())
	assert.ErrorIs(t, err, canvas.ErrNotReady)
}

func TestSaver_RunSavesOnTickAndStops(t *testing.T) {
	sink := &countingSink{Sink: NewFileSink(filepath.Join(t.TempDir(), "place.png"))}
	store := newStore(t)
	saver := NewSaver(store, sink, 10*time.Millisecond, nil, nil)
	require.NoError(t, saver.Restore(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		saver.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		saver.mu.Lock()
		defer saver.mu.Unlock()
		return saver.hasDigest
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
