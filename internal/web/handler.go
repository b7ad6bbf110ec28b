// Package web serves browser calls over WebSocket.
//
// Each connection gets its own [call.Orchestrator]. The browser sends JSON
// control messages ("start", "stop") and streams its microphone as binary
// PCM16LE frames; the server answers with state, transcript, notification,
// and scheduled audio messages.
package web

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/leadline/internal/call"
	"github.com/MrWong99/leadline/internal/observe"
)

const (
	readLimit = 1 << 20

	// DefaultMaxCalls bounds concurrent connections when no limit is given.
	DefaultMaxCalls = 16
)

// CallTemplate returns the base configuration for a new call: provider,
// session template, credential lookup, tools. The handler fills in the
// per-connection device, sink, clock, and view.
type CallTemplate func() (call.Config, error)

// Option is a functional option for [NewHandler].
type Option func(*Handler)

// WithMaxCalls caps concurrent call connections. Connections beyond the cap
// are refused with 503 Service Unavailable.
func WithMaxCalls(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxCalls = int64(n)
		}
	}
}

// WithAllowedOrigins restricts which browser origins may connect. An empty
// list means same-origin only; "*" allows any origin.
func WithAllowedOrigins(origins []string) Option {
	return func(h *Handler) { h.origins = slices.Clone(origins) }
}

// WithMetrics sets the metrics instance. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.log = l }
}

// Handler upgrades HTTP requests to call connections.
type Handler struct {
	template CallTemplate
	maxCalls int64
	origins  []string
	metrics  *observe.Metrics
	log      *slog.Logger

	sem      *semaphore.Weighted
	upgrader websocket.Upgrader
}

var _ http.Handler = (*Handler)(nil)

// NewHandler returns a Handler that builds calls from template.
func NewHandler(template CallTemplate, opts ...Option) *Handler {
	h := &Handler{
		template: template,
		maxCalls: DefaultMaxCalls,
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(h)
	}
	if h.metrics == nil {
		h.metrics = observe.DefaultMetrics()
	}
	h.sem = semaphore.NewWeighted(h.maxCalls)
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 16384,
		CheckOrigin:     h.checkOrigin(),
	}
	return h
}

// checkOrigin returns nil for same-origin checking, which gorilla applies by
// default.
func (h *Handler) checkOrigin() func(*http.Request) bool {
	if len(h.origins) == 0 {
		return nil
	}
	if slices.Contains(h.origins, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return false
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		for _, allowed := range h.origins {
			if strings.EqualFold(strings.TrimSuffix(allowed, "/"), u.Scheme+"://"+u.Host) {
				return true
			}
		}
		return false
	}
}

// ServeHTTP runs one call connection until the browser disconnects.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.sem.TryAcquire(1) {
		h.metrics.CallsRejected.Add(ctx, 1)
		http.Error(w, "too many concurrent calls", http.StatusServiceUnavailable)
		return
	}
	defer h.sem.Release(1)

	cfg, err := h.template()
	if err != nil {
		h.log.Error("web: build call config", "err", err)
		http.Error(w, "call configuration unavailable", http.StatusInternalServerError)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error response.
		h.log.Warn("web: upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(readLimit)

	log := observe.LoggerFrom(ctx, h.log).With("remote", r.RemoteAddr)
	c := newClient(conn, log)

	cfg.Device = c
	cfg.Sink = c
	cfg.Clock = c
	cfg.View = c
	cfg.Logger = log
	if cfg.Metrics == nil {
		cfg.Metrics = h.metrics
	}
	o, err := call.New(cfg)
	if err != nil {
		log.Error("web: create call", "err", err)
		c.closeWith(websocket.CloseInternalServerErr, "call unavailable")
		return
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	go o.Run(runCtx)
	defer func() {
		cancel()
		<-o.Done()
	}()

	// Hijacked connections outlive http.Server.Shutdown; close them when the
	// server's base context ends.
	stopClose := context.AfterFunc(ctx, func() {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
		_ = conn.Close()
	})
	defer stopClose()

	log.Info("web: call connection opened")
	h.readLoop(c, o)
	log.Info("web: call connection closed")
}

// readLoop dispatches browser messages until the connection fails.
func (h *Handler) readLoop(c *client, o *call.Orchestrator) {
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("web: read failed", "err", err)
			}
			return
		}

		switch kind {
		case websocket.BinaryMessage:
			c.pushPCM(data)
		case websocket.TextMessage:
			m, err := decodeClientMessage(data)
			if err != nil {
				c.log.Warn("web: bad message", "err", err)
				continue
			}
			if err := h.dispatch(c, o, m); errors.Is(err, call.ErrClosed) {
				return
			}
		}
	}
}

func (h *Handler) dispatch(c *client, o *call.Orchestrator, m clientMessage) error {
	switch m.Type {
	case typeStart:
		c.configure(m)
		return o.Start()
	case typeStop:
		return o.Stop()
	default:
		c.log.Debug("web: ignoring message", "type", m.Type)
		return nil
	}
}
