package mirror

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/pixel-place/pkg/canvas"
	"github.com/astromechza/pixel-place/pkg/wire"
)

var red = canvas.Color{R: 255}

type recordingRenderer struct {
	mu       sync.Mutex
	textures int
	pixels   []canvas.PixelUpdate
	draws    int
}

func (r *recordingRenderer) SetTexture(*canvas.Raster) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.textures++
}

func (r *recordingRenderer) SetPixel(x, y uint32, c canvas.Color) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pixels = append(r.pixels, canvas.PixelUpdate{X: x, Y: y, Color: c})
}

func (r *recordingRenderer) Draw() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.draws++
}

func (r *recordingRenderer) counts() (int, int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.textures, len(r.pixels), r.draws
}

// fakeServer hands every accepted websocket to the test so it can script
// frames and disconnects.
type fakeServer struct {
	store    *canvas.Store
	conns    chan *websocket.Conn
	gate     chan struct{}
	status   int
	upgrader websocket.Upgrader
	srv      *httptest.Server
}

func newFakeServer(t *testing.T, configure ...func(*fakeServer)) *fakeServer {
	t.Helper()
	store, err := canvas.NewStore(8, 8)
	require.NoError(t, err)
	store.Default()
	f := &fakeServer{store: store, conns: make(chan *websocket.Conn, 8), status: http.StatusOK}
	for _, fn := range configure {
		fn(f)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := f.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.conns <- conn
	})
	mux.HandleFunc("/place.png", func(w http.ResponseWriter, r *http.Request) {
		if f.gate != nil {
			select {
			case <-f.gate:
			case <-r.Context().Done():
				return
			}
		}
		if f.status != http.StatusOK {
			w.WriteHeader(f.status)
			return
		}
		snap, err := f.store.Snapshot()
		if err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", canvas.ContentType)
		_ = canvas.EncodeRaster(w, snap)
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-f.conns:
		t.Cleanup(func() { _ = conn.Close() })
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("no connection")
		return nil
	}
}

func fastOptions() Options {
	return Options{ReconnectMin: time.Millisecond, ReconnectMax: 5 * time.Millisecond, MaxRetries: 3, RedrawInterval: time.Millisecond}
}

func start(t *testing.T, m *Mirror) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
}

func waitState(t *testing.T, m *Mirror, s State) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.WaitState(ctx, s))
}

func TestNewRejectsBadURL(t *testing.T) {
	_, err := New("ftp://example.test", nil, Options{}, nil)
	assert.Error(t, err)
	_, err = New("://", nil, Options{}, nil)
	assert.Error(t, err)

	m, err := New("https://example.test/base", nil, Options{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "wss://example.test/base/ws", m.wsURL)
	assert.Equal(t, "https://example.test/base/place.png", m.snapshotURL)
	assert.Equal(t, Disconnected, m.State())
}

func TestRequestSetBeforeLive(t *testing.T) {
	m, err := New("http://127.0.0.1:1", nil, Options{}, nil)
	require.NoError(t, err)
	_, err = m.RequestSet(0, 0, red)
	assert.ErrorIs(t, err, ErrNotLive)
	_, ok := m.ColorAt(0, 0)
	assert.False(t, ok)
	assert.Nil(t, m.Snapshot())
	_, _, ok = m.Size()
	assert.False(t, ok)
}

func TestBootstrapAndApply(t *testing.T) {
	f := newFakeServer(t)
	require.NoError(t, f.store.Apply(canvas.PixelUpdate{X: 1, Y: 1, Color: red}))
	rr := &recordingRenderer{}
	m, err := New(f.srv.URL, rr, fastOptions(), nil)
	require.NoError(t, err)
	start(t, m)

	conn := f.accept(t)
	waitState(t, m, Live)
	c, ok := m.ColorAt(1, 1)
	require.True(t, ok)
	assert.Equal(t, red, c)
	w, h, ok := m.Size()
	require.True(t, ok)
	assert.Equal(t, []int{8, 8}, []int{w, h})

	batch := wire.AppendFrame(wire.EncodeFrame(canvas.PixelUpdate{X: 2, Y: 3, Color: canvas.Color{B: 9}}), canvas.PixelUpdate{X: 2, Y: 3, Color: canvas.Color{G: 9}})
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, batch))
	require.Eventually(t, func() bool {
		c, _ := m.ColorAt(2, 3)
		return c == canvas.Color{G: 9}
	}, 5*time.Second, time.Millisecond, "later frame in a batch wins")

	require.Eventually(t, func() bool {
		textures, pixels, draws := rr.counts()
		return textures == 1 && pixels == 2 && draws > 0
	}, 5*time.Second, time.Millisecond)
}

func TestRequestSetSendsOneFrame(t *testing.T) {
	f := newFakeServer(t)
	m, err := New(f.srv.URL, nil, fastOptions(), nil)
	require.NoError(t, err)
	start(t, m)
	conn := f.accept(t)
	waitState(t, m, Live)

	sent, err := m.RequestSet(4, 5, red)
	require.NoError(t, err)
	assert.True(t, sent)

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	mt, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, mt)
	u, err := wire.DecodeFrame(data)
	require.NoError(t, err)
	assert.Equal(t, canvas.PixelUpdate{X: 4, Y: 5, Color: red}, u)

	c, _ := m.ColorAt(4, 5)
	assert.Equal(t, canvas.White, c, "applied only once echoed")

	sent, err = m.RequestSet(0, 0, canvas.White)
	require.NoError(t, err)
	assert.False(t, sent, "same color is a no-op")

	_, err = m.RequestSet(8, 0, red)
	assert.ErrorIs(t, err, canvas.ErrOutOfBounds)
}

func TestFramesBeforeLiveAreDropped(t *testing.T) {
	gate := make(chan struct{})
	f := newFakeServer(t, func(f *fakeServer) { f.gate = gate })
	m, err := New(f.srv.URL, nil, fastOptions(), nil)
	require.NoError(t, err)
	start(t, m)

	conn := f.accept(t)
	waitState(t, m, Bootstrapping)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, wire.EncodeFrame(canvas.PixelUpdate{X: 1, Y: 1, Color: red})))
	require.Eventually(t, func() bool { return m.dropped.Load() == 1 }, 5*time.Second, time.Millisecond)

	close(gate)
	waitState(t, m, Live)
	c, _ := m.ColorAt(1, 1)
	assert.Equal(t, canvas.White, c)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, wire.EncodeFrame(canvas.PixelUpdate{X: 2, Y: 2, Color: red})))
	require.Eventually(t, func() bool {
		c, _ := m.ColorAt(2, 2)
		return c == red
	}, 5*time.Second, time.Millisecond)
}

func TestMalformedMessageIgnored(t *testing.T) {
	f := newFakeServer(t)
	m, err := New(f.srv.URL, nil, fastOptions(), nil)
	require.NoError(t, err)
	start(t, m)
	conn := f.accept(t)
	waitState(t, m, Live)

	truncated := append(wire.EncodeFrame(canvas.PixelUpdate{X: 3, Y: 3, Color: red}), 0x01)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, truncated))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, wire.EncodeFrame(canvas.PixelUpdate{X: 4, Y: 4, Color: red})))
	require.Eventually(t, func() bool {
		c, _ := m.ColorAt(4, 4)
		return c == red
	}, 5*time.Second, time.Millisecond)
	c, _ := m.ColorAt(3, 3)
	assert.Equal(t, canvas.White, c, "no frame of a truncated message applies")
	assert.Equal(t, Live, m.State())
}

func TestReconnectsAfterServerDrop(t *testing.T) {
	f := newFakeServer(t)
	var mu sync.Mutex
	var states []State
	opts := fastOptions()
	opts.OnState = func(s State, _ error) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, s)
	}
	m, err := New(f.srv.URL, nil, opts, nil)
	require.NoError(t, err)
	start(t, m)

	first := f.accept(t)
	waitState(t, m, Live)

	// an update the client never receives on the channel
	require.NoError(t, f.store.Apply(canvas.PixelUpdate{X: 6, Y: 6, Color: red}))
	require.NoError(t, first.Close())

	f.accept(t)
	require.Eventually(t, func() bool {
		c, _ := m.ColorAt(6, 6)
		return c == red && m.State() == Live
	}, 5*time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{Connecting, Bootstrapping, Live, Disconnected, Connecting, Bootstrapping, Live}, states)
}

func TestReconnectCancelsCurrentCycle(t *testing.T) {
	f := newFakeServer(t)
	m, err := New(f.srv.URL, nil, fastOptions(), nil)
	require.NoError(t, err)
	start(t, m)

	first := f.accept(t)
	waitState(t, m, Live)
	m.Reconnect()

	_ = first.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = first.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "old channel is closed cleanly: %v", err)

	f.accept(t)
	waitState(t, m, Live)
}

func TestReconnectSkipsBackoffWait(t *testing.T) {
	f := newFakeServer(t)
	opts := fastOptions()
	opts.ReconnectMin = time.Minute
	opts.ReconnectMax = time.Minute
	m, err := New(f.srv.URL, nil, opts, nil)
	require.NoError(t, err)
	start(t, m)

	first := f.accept(t)
	waitState(t, m, Live)
	require.NoError(t, first.Close())
	waitState(t, m, Disconnected)

	m.Reconnect()
	f.accept(t)
	waitState(t, m, Live)
}

func TestGivesUpWhenBootstrapKeepsFailing(t *testing.T) {
	f := newFakeServer(t, func(f *fakeServer) { f.status = http.StatusServiceUnavailable })
	var last error
	opts := fastOptions()
	opts.MaxRetries = 2
	opts.OnState = func(s State, err error) {
		if s == Failed {
			last = err
		}
	}
	m, err := New(f.srv.URL, nil, opts, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = m.Run(ctx)
	require.Error(t, err)
	require.NoError(t, ctx.Err(), "mirror kept retrying")
	assert.ErrorIs(t, err, ErrGaveUp)
	assert.ErrorIs(t, err, ErrBootstrap)
	assert.ErrorIs(t, last, ErrBootstrap)
	assert.Equal(t, Failed, m.State())
	require.Eventually(t, func() bool { return len(f.conns) == 3 }, 5*time.Second, time.Millisecond, "one connection per cycle")
	for len(f.conns) > 0 {
		_ = (<-f.conns).Close()
	}

	assert.ErrorIs(t, m.WaitState(ctx, Live), ErrGaveUp)
}

func TestZeroRetriesUsesDefault(t *testing.T) {
	m, err := New("http://127.0.0.1:1", nil, Options{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 10, m.opts.MaxRetries)
}

func TestGivesUpWhenServerUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	opts := fastOptions()
	opts.MaxRetries = 1
	m, err := New(srv.URL, nil, opts, nil)
	require.NoError(t, err)

	err = m.Run(context.Background())
	assert.True(t, errors.Is(err, ErrGaveUp))
	assert.Equal(t, Failed, m.State())
}
