// Package hub validates pixel submissions, applies them to the canvas and fans
// the accepted frames out to every registered session.
//
// Apply and fan-out for one update happen under a single lock, so the order in
// which updates are applied is the order every session receives them in.
package hub

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/astromechza/pixel-place/pkg/canvas"
	"github.com/astromechza/pixel-place/pkg/metrics"
	"github.com/astromechza/pixel-place/pkg/wire"
)

var (
	ErrClosed          = errors.New("router is closed")
	ErrTooManySessions = errors.New("too many sessions")
)

type Options struct {
	// MaxSessions caps the total number of registered sessions. Zero means no cap.
	MaxSessions int
	// SessionsPerIP caps sessions sharing a client address. Zero means no cap.
	SessionsPerIP int
	// SendQueue is the number of frames buffered per session before it is
	// considered a failed consumer.
	SendQueue int
	// PingInterval is how often sessions are pinged. A session is closed after
	// three intervals without a pong.
	PingInterval time.Duration
	// WriteTimeout bounds a single websocket write.
	WriteTimeout time.Duration
	// MaxBatchFrames caps how many frames a session coalesces into one message.
	MaxBatchFrames int
}

func (o Options) withDefaults() Options {
	if o.SendQueue <= 0 {
		o.SendQueue = 1024
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.MaxBatchFrames <= 0 {
		o.MaxBatchFrames = 4096
	}
	return o
}

type Router struct {
	store   *canvas.Store
	opts    Options
	log     *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	sessions map[*Session]struct{}
	perIP    map[string]int
	closed   bool
}

func NewRouter(store *canvas.Store, opts Options, logger *slog.Logger, m *metrics.Metrics) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.Discard()
	}
	return &Router{
		store:    store,
		opts:     opts.withDefaults(),
		log:      logger,
		metrics:  m,
		sessions: make(map[*Session]struct{}),
		perIP:    make(map[string]int),
	}
}

// CanAccept reports whether a new session from ip would be admitted. The
// answer can change before Register is called.
func (r *Router) CanAccept(ip string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.admitLocked(ip) == nil
}

func (r *Router) admitLocked(ip string) error {
	if r.closed {
		return ErrClosed
	}
	if r.opts.MaxSessions > 0 && len(r.sessions) >= r.opts.MaxSessions {
		return fmt.Errorf("%w: limit %d reached", ErrTooManySessions, r.opts.MaxSessions)
	}
	if r.opts.SessionsPerIP > 0 && r.perIP[ip] >= r.opts.SessionsPerIP {
		return fmt.Errorf("%w: limit %d reached for %s", ErrTooManySessions, r.opts.SessionsPerIP, ip)
	}
	return nil
}

// Register creates a session for conn and adds it to the registry. From this
// point the session receives every accepted update.
func (r *Router) Register(conn *websocket.Conn, ip string) (*Session, error) {
	s := newSession(r, conn, ip)
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.admitLocked(ip); err != nil {
		return nil, err
	}
	r.sessions[s] = struct{}{}
	r.perIP[ip]++
	r.metrics.SessionsActive.Inc()
	r.log.Debug("session registered", "session", s.ID, "ip", ip, "sessions", len(r.sessions))
	return s, nil
}

// Remove deregisters s. It is safe to call more than once.
func (r *Router) Remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(s, "")
}

func (r *Router) drop(s *Session, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(s, reason)
}

func (r *Router) removeLocked(s *Session, reason string) {
	if _, ok := r.sessions[s]; !ok {
		return
	}
	delete(r.sessions, s)
	if r.perIP[s.IP]--; r.perIP[s.IP] <= 0 {
		delete(r.perIP, s.IP)
	}
	r.metrics.SessionsActive.Dec()
	if reason != "" {
		r.metrics.SessionDrops.WithLabelValues(reason).Inc()
		r.log.Debug("session dropped", "session", s.ID, "reason", reason)
	}
	s.shutdown()
}

func (r *Router) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Submit decodes one client frame, applies it and broadcasts it to every
// session including the sender. Rejected submissions return an error for
// diagnostics only; nothing is sent back to the client.
func (r *Router) Submit(raw []byte) (canvas.PixelUpdate, error) {
	u, err := wire.DecodeFrame(raw)
	if err != nil {
		r.metrics.Updates.WithLabelValues(metrics.ResultMalformed).Inc()
		return u, err
	}
	if !r.store.Contains(u.X, u.Y) {
		r.metrics.Updates.WithLabelValues(metrics.ResultOutOfBounds).Inc()
		return u, fmt.Errorf("%w: (%d, %d)", canvas.ErrOutOfBounds, u.X, u.Y)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return u, ErrClosed
	}
	if err := r.store.Apply(u); err != nil {
		return u, err
	}
	r.metrics.Updates.WithLabelValues(metrics.ResultAccepted).Inc()

	frame := wire.EncodeFrame(u)
	for s := range r.sessions {
		select {
		case s.out <- frame:
			r.metrics.BroadcastFrames.Inc()
		default:
			r.removeLocked(s, metrics.DropSlowConsumer)
		}
	}
	return u, nil
}

// Close removes every session and rejects further registrations and submissions.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for s := range r.sessions {
		r.removeLocked(s, "")
	}
}
