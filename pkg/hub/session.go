package hub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/astromechza/pixel-place/pkg/metrics"
	"github.com/astromechza/pixel-place/pkg/wire"
)

// Session is one live websocket connection. Inbound frames are submitted to
// the router; broadcast frames are queued on out and written by the writer loop.
// A closed session is never replayed the frames it missed.
type Session struct {
	ID string
	IP string

	router *Router
	conn   *websocket.Conn
	out    chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

func newSession(r *Router, conn *websocket.Conn, ip string) *Session {
	return &Session{
		ID:     uuid.NewString(),
		IP:     ip,
		router: r,
		conn:   conn,
		out:    make(chan []byte, r.opts.SendQueue),
		done:   make(chan struct{}),
	}
}

func (s *Session) shutdown() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Done is closed once the session has been removed from the router.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Serve runs the read and write loops until the connection fails, the session
// is removed, or ctx is cancelled. The session is always deregistered on return.
func (s *Session) Serve(ctx context.Context) error {
	log := s.router.log.With("session", s.ID, "ip", s.IP)
	log.Info("session started")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer s.conn.Close()
		if err := s.writeLoop(ctx); err != nil {
			log.Debug("write loop stopped", "err", err)
		}
	}()

	err := s.readLoop(ctx)
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || ctx.Err() != nil {
		s.router.Remove(s)
		err = nil
	} else {
		s.router.drop(s, metrics.DropReadError)
	}
	cancel()
	_ = s.conn.Close()
	wg.Wait()

	log.Info("session ended", "err", err)
	return err
}

func (s *Session) readLoop(ctx context.Context) error {
	timeout := 3 * s.router.opts.PingInterval
	_ = s.conn.SetReadDeadline(time.Now().Add(timeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(timeout))
	})

	// one byte past a frame is enough to tell an oversized message apart
	buf := make([]byte, wire.FrameSize+1)
	for {
		mt, rd, err := s.conn.NextReader()
		if err != nil {
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() {
				s.router.drop(s, metrics.DropPingTimeout)
			}
			// returned unwrapped so websocket.IsCloseError can inspect it
			return err
		}
		n, err := io.ReadFull(rd, buf)
		if err == nil {
			// oversized messages are drained and dropped like any other bad length
			_, err = io.Copy(io.Discard, rd)
		} else if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			err = nil
		}
		if err != nil {
			return err
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(timeout))
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if mt != websocket.BinaryMessage {
			s.router.metrics.Updates.WithLabelValues(metrics.ResultMalformed).Inc()
			continue
		}
		if u, err := s.router.Submit(buf[:n]); err != nil {
			s.router.log.Debug("dropped submission", "session", s.ID, "bytes", n, "x", u.X, "y", u.Y, "err", err)
		}
	}
}

func (s *Session) writeLoop(ctx context.Context) error {
	t := time.NewTicker(s.router.opts.PingInterval)
	defer t.Stop()

	batch := make([]byte, 0, wire.FrameSize*64)
	maxBatch := s.router.opts.MaxBatchFrames * wire.FrameSize

	for {
		select {
		case frame := <-s.out:
			batch = append(batch[:0], frame...)
		drain:
			for len(batch) < maxBatch {
				select {
				case frame := <-s.out:
					batch = append(batch, frame...)
				default:
					break drain
				}
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.router.opts.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.BinaryMessage, batch); err != nil {
				s.router.drop(s, metrics.DropWriteError)
				return fmt.Errorf("failed to write message: %w", err)
			}
		case <-t.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.router.opts.WriteTimeout)); err != nil {
				s.router.drop(s, metrics.DropWriteError)
				return fmt.Errorf("failed to write ping: %w", err)
			}
		case <-s.done:
			_ = s.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"),
				time.Now().Add(s.router.opts.WriteTimeout),
			)
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
