// Package server exposes the canvas over HTTP: the websocket update channel,
// the bootstrap snapshot, and a few operational endpoints.
package server

import (
	"bytes"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/net/netutil"

	"github.com/astromechza/pixel-place/pkg/canvas"
	"github.com/astromechza/pixel-place/pkg/hub"
	"github.com/astromechza/pixel-place/pkg/metrics"
	"github.com/astromechza/pixel-place/pkg/persist"
)

var tracer = otel.Tracer("github.com/astromechza/pixel-place/pkg/server")

type Server struct {
	store    *canvas.Store
	router   *hub.Router
	saver    *persist.Saver
	gatherer prometheus.Gatherer
	log      *slog.Logger
	upgrader websocket.Upgrader
}

// New wires the handlers. saver and gatherer may be nil, which disables
// /save and /metrics respectively.
func New(store *canvas.Store, router *hub.Router, saver *persist.Saver, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:    store,
		router:   router,
		saver:    saver,
		gatherer: gatherer,
		log:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			s.log.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
		})
	})

	// path before method, so a known path with the wrong method is a 405
	r.Path("/ws").Methods(http.MethodGet).HandlerFunc(s.handleWebsocket)
	r.Path("/place.png").Methods(http.MethodGet, http.MethodHead).HandlerFunc(s.handleSnapshot)
	r.Path("/stats").Methods(http.MethodGet).HandlerFunc(s.handleStats)
	r.Path("/healthz").Methods(http.MethodGet).HandlerFunc(s.handleHealth)
	if s.saver != nil {
		r.Path("/save").Methods(http.MethodPost).HandlerFunc(s.handleSave)
	}
	if s.gatherer != nil {
		r.Path("/metrics").Methods(http.MethodGet).Handler(metrics.Handler(s.gatherer))
	}
	return r
}

// Listen opens a TCP listener that accepts at most maxConns simultaneous
// connections. maxConns <= 0 means unlimited.
func Listen(addr string, maxConns int) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if maxConns > 0 {
		ln = netutil.LimitListener(ln, maxConns)
	}
	return ln, nil
}

// ClientIP resolves the caller address, preferring proxy headers.
func ClientIP(r *http.Request) string {
	for _, h := range []string{"CF-Connecting-IPv6", "CF-Connecting-IP", "X-Real-IP"} {
		if v := r.Header.Get(h); v != "" {
			return v
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func (s *Server) handleWebsocket(writer http.ResponseWriter, request *http.Request) {
	if !s.store.Ready() {
		http.Error(writer, "canvas is not ready", http.StatusServiceUnavailable)
		return
	}
	ip := ClientIP(request)
	if !s.router.CanAccept(ip) {
		http.Error(writer, "too many connections", http.StatusTooManyRequests)
		return
	}

	conn, err := s.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		s.log.Error("failed to upgrade", "err", err)
		return
	}
	sess, err := s.router.Register(conn, ip)
	if err != nil {
		s.log.Warn("rejected session", "ip", ip, "err", err)
		code := websocket.CloseTryAgainLater
		if errors.Is(err, hub.ErrClosed) {
			code = websocket.CloseGoingAway
		}
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, "rejected"))
		_ = conn.Close()
		return
	}
	if err := sess.Serve(request.Context()); err != nil {
		s.log.Debug("session failed", "session", sess.ID, "err", err)
	}
}

func (s *Server) handleSnapshot(writer http.ResponseWriter, request *http.Request) {
	_, span := tracer.Start(request.Context(), "server.Snapshot")
	defer span.End()

	snap, err := s.store.Snapshot()
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		http.Error(writer, "canvas is not ready", http.StatusServiceUnavailable)
		return
	}
	var buf bytes.Buffer
	if err := canvas.EncodeRaster(&buf, snap); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.log.Error("failed to encode snapshot", "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	span.SetAttributes(attribute.Int("bytes", buf.Len()))

	h := writer.Header()
	h.Set("Content-Type", canvas.ContentType)
	h.Set("Content-Length", strconv.Itoa(buf.Len()))
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
	h.Set("Access-Control-Allow-Origin", "*")
	if request.Method == http.MethodHead {
		return
	}
	if _, err := writer.Write(buf.Bytes()); err != nil {
		s.log.Error("failed to write out", "err", err)
	}
}

func (s *Server) handleStats(writer http.ResponseWriter, _ *http.Request) {
	writer.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = writer.Write([]byte(strconv.Itoa(s.router.Len())))
}

func (s *Server) handleHealth(writer http.ResponseWriter, _ *http.Request) {
	if !s.store.Ready() {
		writer.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	_, _ = writer.Write([]byte("ok"))
}

func (s *Server) handleSave(writer http.ResponseWriter, request *http.Request) {
	if _, err := s.saver.SaveNow(request.Context()); err != nil {
		s.log.Error("failed to save snapshot", "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	writer.WriteHeader(http.StatusNoContent)
}
