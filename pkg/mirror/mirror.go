// Package mirror keeps a local copy of a remote canvas in sync. A Mirror dials
// the update channel, fetches a full snapshot, and then applies every update
// frame it receives. When the channel drops it reconnects with bounded backoff
// and bootstraps again from scratch.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/astromechza/pixel-place/pkg/canvas"
	"github.com/astromechza/pixel-place/pkg/wire"
)

var (
	ErrNotLive   = errors.New("not connected")
	ErrBootstrap = errors.New("failed to bootstrap")
	ErrGaveUp    = errors.New("gave up reconnecting")
)

type State int

const (
	Disconnected State = iota
	Connecting
	Bootstrapping
	Live
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Bootstrapping:
		return "bootstrapping"
	case Live:
		return "live"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Renderer displays the mirrored canvas. SetTexture replaces the whole image,
// SetPixel writes one pixel, and Draw presents the result.
type Renderer interface {
	SetTexture(r *canvas.Raster)
	SetPixel(x, y uint32, c canvas.Color)
	Draw()
}

type Options struct {
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	// MaxRetries is the number of consecutive failed cycles tolerated before
	// giving up. Zero means the default of 10.
	MaxRetries     int
	RedrawInterval time.Duration

	HTTPClient *http.Client
	Dialer     *websocket.Dialer
	Header     http.Header

	// OnState is called after every state transition. err carries the cause of
	// a transition to Disconnected or Failed.
	OnState func(s State, err error)
}

func (o Options) withDefaults() Options {
	if o.ReconnectMin <= 0 {
		o.ReconnectMin = 250 * time.Millisecond
	}
	if o.ReconnectMax < o.ReconnectMin {
		o.ReconnectMax = max(10*time.Second, o.ReconnectMin)
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 10
	}
	if o.RedrawInterval <= 0 {
		o.RedrawInterval = 10 * time.Millisecond
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if o.Dialer == nil {
		o.Dialer = &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		}
	}
	return o
}

type Mirror struct {
	snapshotURL string
	wsURL       string
	renderer    Renderer
	opts        Options
	log         *slog.Logger

	mu          sync.Mutex
	state       State
	changed     chan struct{}
	raster      *canvas.Raster
	conn        *websocket.Conn
	dirty       bool
	cancelCycle context.CancelFunc
	kick        chan struct{}

	writeMu sync.Mutex
	dropped atomic.Uint64
}

// New creates a disconnected mirror of the server at serverURL. renderer may be nil.
func New(serverURL string, renderer Renderer, opts Options, logger *slog.Logger) (*Mirror, error) {
	base, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse server url: %w", err)
	}
	ws := base.JoinPath("ws")
	switch base.Scheme {
	case "http":
		ws.Scheme = "ws"
	case "https":
		ws.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported server url scheme %q", base.Scheme)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Mirror{
		snapshotURL: base.JoinPath("place.png").String(),
		wsURL:       ws.String(),
		renderer:    renderer,
		opts:        opts.withDefaults(),
		log:         logger,
		changed:     make(chan struct{}),
		kick:        make(chan struct{}, 1),
	}, nil
}

func (m *Mirror) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// setStateLocked records a transition and wakes waiters. The caller reports it
// through notify once the lock is released.
func (m *Mirror) setStateLocked(s State) {
	m.state = s
	close(m.changed)
	m.changed = make(chan struct{})
}

func (m *Mirror) setState(s State, err error) {
	m.mu.Lock()
	m.setStateLocked(s)
	m.mu.Unlock()
	m.notify(s, err)
}

func (m *Mirror) notify(s State, err error) {
	if m.opts.OnState != nil {
		m.opts.OnState(s, err)
	}
}

// WaitState blocks until the mirror reaches want. It fails early with
// ErrGaveUp once the mirror has failed.
func (m *Mirror) WaitState(ctx context.Context, want State) error {
	for {
		m.mu.Lock()
		s, ch := m.state, m.changed
		m.mu.Unlock()
		if s == want {
			return nil
		} else if s == Failed {
			return ErrGaveUp
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Run connects and keeps the mirror live until ctx is cancelled, in which case
// it returns nil, or until the reconnect budget is spent.
func (m *Mirror) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(m.opts.ReconnectMin),
		backoff.WithMaxInterval(m.opts.ReconnectMax),
		backoff.WithRandomizationFactor(0.5),
		backoff.WithMaxElapsedTime(0),
	)
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(m.opts.MaxRetries)), ctx)

	wg := new(sync.WaitGroup)
	defer wg.Wait()
	redrawCtx, stopRedraw := context.WithCancel(ctx)
	defer stopRedraw()
	if m.renderer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.redrawContinuously(redrawCtx)
		}()
	}

	for {
		wentLive, err := m.cycle(ctx)
		if ctx.Err() != nil {
			m.setState(Disconnected, nil)
			return nil
		}
		if wentLive {
			policy.Reset()
		}
		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			m.log.Error("giving up on server", "url", m.wsURL, "err", err)
			m.setState(Failed, err)
			return fmt.Errorf("%w: %w", ErrGaveUp, err)
		}
		m.log.Warn("disconnected", "err", err, "retry_in", wait)
		m.setState(Disconnected, err)

		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-m.kick:
			t.Stop()
		case <-ctx.Done():
			t.Stop()
			return nil
		}
	}
}

// Reconnect abandons the current connection attempt or live channel and
// starts a fresh cycle without waiting out the backoff delay.
func (m *Mirror) Reconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancelCycle != nil {
		m.cancelCycle()
	}
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// cycle runs one connect, bootstrap and live sequence. The cycle context is
// cancelled on return so nothing from a stale attempt outlives it.
func (m *Mirror) cycle(ctx context.Context) (bool, error) {
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.mu.Lock()
	m.cancelCycle = cancel
	select {
	case <-m.kick:
	default:
	}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.cancelCycle = nil
		m.mu.Unlock()
	}()

	m.setState(Connecting, nil)
	conn, resp, err := m.opts.Dialer.DialContext(cctx, m.wsURL, m.opts.Header)
	if err != nil {
		if resp != nil {
			return false, fmt.Errorf("failed to dial: %w (status %d)", err, resp.StatusCode)
		}
		return false, fmt.Errorf("failed to dial: %w", err)
	}
	stop := context.AfterFunc(cctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	})
	defer func() {
		stop()
		_ = conn.Close()
	}()

	m.mu.Lock()
	m.conn = conn
	m.setStateLocked(Bootstrapping)
	m.mu.Unlock()
	m.notify(Bootstrapping, nil)
	defer func() {
		m.mu.Lock()
		m.conn = nil
		m.mu.Unlock()
	}()

	readDone := make(chan error, 1)
	go func() {
		readDone <- m.readLoop(conn)
	}()

	raster, err := m.bootstrap(cctx)
	if err != nil {
		cancel()
		<-readDone
		return false, fmt.Errorf("%w: %w", ErrBootstrap, err)
	}
	m.goLive(raster)
	return true, <-readDone
}

func (m *Mirror) bootstrap(ctx context.Context) (*canvas.Raster, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.snapshotURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := m.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	r, err := canvas.DecodeRasterNative(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return r, nil
}

func (m *Mirror) goLive(r *canvas.Raster) {
	m.mu.Lock()
	m.raster = r
	if m.renderer != nil {
		m.renderer.SetTexture(r.Clone())
	}
	m.dirty = true
	m.setStateLocked(Live)
	m.mu.Unlock()
	m.log.Info("live", "width", r.Width, "height", r.Height, "dropped_before_live", m.dropped.Load())
	m.notify(Live, nil)
}

func (m *Mirror) readLoop(conn *websocket.Conn) error {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		m.apply(data)
	}
}

// apply writes a batch of update frames into the mirror. Frames that arrive
// before the mirror is live are dropped since the snapshot supersedes them.
func (m *Mirror) apply(data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Live {
		m.dropped.Add(uint64(len(data) / wire.FrameSize))
		return
	}
	err := wire.EachFrame(data, func(u canvas.PixelUpdate) {
		if !m.raster.Contains(u.X, u.Y) {
			return
		}
		m.raster.Set(u.X, u.Y, u.Color)
		if m.renderer != nil {
			m.renderer.SetPixel(u.X, u.Y, u.Color)
		}
		m.dirty = true
	})
	if err != nil {
		m.log.Debug("ignoring bad message", "bytes", len(data), "err", err)
	}
}

// RequestSet sends a single pixel edit. It reports false without sending when
// the pixel already has that color. The local copy changes only when the
// server echoes the update back.
func (m *Mirror) RequestSet(x, y uint32, c canvas.Color) (bool, error) {
	m.mu.Lock()
	if m.state != Live || m.conn == nil {
		m.mu.Unlock()
		return false, ErrNotLive
	}
	if !m.raster.Contains(x, y) {
		m.mu.Unlock()
		return false, canvas.ErrOutOfBounds
	}
	if m.raster.At(x, y) == c {
		m.mu.Unlock()
		return false, nil
	}
	conn := m.conn
	m.mu.Unlock()

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.BinaryMessage, wire.EncodeFrame(canvas.PixelUpdate{X: x, Y: y, Color: c})); err != nil {
		return false, fmt.Errorf("failed to send update: %w", err)
	}
	return true, nil
}

// ColorAt reads the mirrored pixel. It reports false before the first
// snapshot has loaded or when the pixel is outside the canvas.
func (m *Mirror) ColorAt(x, y uint32) (canvas.Color, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.raster == nil || !m.raster.Contains(x, y) {
		return canvas.Color{}, false
	}
	return m.raster.At(x, y), true
}

// Size reports the dimensions of the mirrored canvas once a snapshot has loaded.
func (m *Mirror) Size() (w, h int, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.raster == nil {
		return 0, 0, false
	}
	return m.raster.Width, m.raster.Height, true
}

// Snapshot returns a copy of the mirrored raster, or nil if nothing has loaded yet.
func (m *Mirror) Snapshot() *canvas.Raster {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.raster == nil {
		return nil
	}
	return m.raster.Clone()
}

func (m *Mirror) redrawContinuously(ctx context.Context) {
	t := time.NewTicker(m.opts.RedrawInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			m.mu.Lock()
			dirty := m.dirty
			m.dirty = false
			m.mu.Unlock()
			if dirty {
				m.renderer.Draw()
			}
		case <-ctx.Done():
			return
		}
	}
}
