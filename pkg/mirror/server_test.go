package mirror

import (
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/pixel-place/pkg/canvas"
	"github.com/astromechza/pixel-place/pkg/hub"
	"github.com/astromechza/pixel-place/pkg/metrics"
	"github.com/astromechza/pixel-place/pkg/persist"
	"github.com/astromechza/pixel-place/pkg/server"
)

func newPlaceServer(t *testing.T, w, h int) (*canvas.Store, *hub.Router, *httptest.Server) {
	t.Helper()
	store, err := canvas.NewStore(w, h)
	require.NoError(t, err)
	store.Default()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	router := hub.NewRouter(store, hub.Options{}, nil, m)
	saver := persist.NewSaver(store, persist.NewFileSink(filepath.Join(t.TempDir(), "place.png")), time.Minute, nil, m)
	srv := httptest.NewServer(server.New(store, router, saver, reg, nil).Handler())
	t.Cleanup(func() {
		router.Close()
		srv.Close()
	})
	return store, router, srv
}

func TestMirrorsConvergeThroughServer(t *testing.T) {
	store, _, srv := newPlaceServer(t, 16, 8)

	a, err := New(srv.URL, nil, fastOptions(), nil)
	require.NoError(t, err)
	b, err := New(srv.URL, nil, fastOptions(), nil)
	require.NoError(t, err)
	start(t, a)
	start(t, b)
	waitState(t, a, Live)
	waitState(t, b, Live)

	w, h, ok := b.Size()
	require.True(t, ok)
	assert.Equal(t, 16, w)
	assert.Equal(t, 8, h)

	red := canvas.Color{R: 255}
	blue := canvas.Color{B: 255}
	sent, err := a.RequestSet(3, 4, red)
	require.NoError(t, err)
	assert.True(t, sent)
	sent, err = b.RequestSet(15, 7, blue)
	require.NoError(t, err)
	assert.True(t, sent)

	for _, m := range []*Mirror{a, b} {
		assert.Eventually(t, func() bool {
			c1, _ := m.ColorAt(3, 4)
			c2, _ := m.ColorAt(15, 7)
			return c1 == red && c2 == blue
		}, 5*time.Second, 5*time.Millisecond)
	}

	got, err := store.At(3, 4)
	require.NoError(t, err)
	assert.Equal(t, red, got)

	sent, err = a.RequestSet(3, 4, red)
	require.NoError(t, err)
	assert.False(t, sent)
}

func TestLateMirrorBootstrapsCurrentState(t *testing.T) {
	store, _, srv := newPlaceServer(t, 4, 4)
	require.NoError(t, store.Apply(canvas.PixelUpdate{X: 1, Y: 2, Color: canvas.Color{G: 200}}))

	m, err := New(srv.URL, nil, fastOptions(), nil)
	require.NoError(t, err)
	start(t, m)
	waitState(t, m, Live)

	c, ok := m.ColorAt(1, 2)
	require.True(t, ok)
	assert.Equal(t, canvas.Color{G: 200}, c)
	snap, err := store.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, snap.Pix, m.Snapshot().Pix)
}
