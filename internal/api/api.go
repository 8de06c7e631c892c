// Package api serves the node over HTTP: status, transmit, the latest
// received message, capture history and a websocket stream of messages.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
	"github.com/gorilla/websocket"

	"github.com/kstaniek/go-mscan/internal/capture"
	"github.com/kstaniek/go-mscan/internal/logging"
	"github.com/kstaniek/go-mscan/internal/metrics"
	"github.com/kstaniek/go-mscan/internal/mscan"
	"github.com/kstaniek/go-mscan/internal/node"
)

// History is the capture query surface.
type History interface {
	Recent(n int) ([]capture.Record, error)
	Since(t time.Time) ([]capture.Record, error)
	Count() (int, error)
}

const (
	defaultHistory = 50
	maxHistory     = 1000
	wsWriteTimeout = 5 * time.Second
	wsBuffer       = 64
)

var errNoHistory = errors.New("capture store disabled")

type Server struct {
	node     *node.Node
	history  History
	state    func() any
	logger   *slog.Logger
	timeout  time.Duration
	upgrader websocket.Upgrader
}

type Option func(*Server)

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithHistory enables GET /api/capture.
func WithHistory(h History) Option { return func(s *Server) { s.history = h } }

// WithControllerState adds fn's result to the status response.
func WithControllerState(fn func() any) Option { return func(s *Server) { s.state = fn } }

// WithSendTimeout bounds synchronous transmits (default 2s).
func WithSendTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func New(n *node.Node, opts ...Option) *Server {
	s := &Server{
		node:    n,
		logger:  logging.L(),
		timeout: 2 * time.Second,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/metrics", metrics.Handler().ServeHTTP)
	r.Get("/ready", metrics.ReadyHandler)

	r.Route("/api", func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))
		r.Get("/status", s.getStatus)
		r.Post("/frames", s.postFrame)
		r.Get("/rx", s.getLatest)
		r.Get("/capture", s.getCapture)
	})
	r.Route("/ws", func(r chi.Router) {
		r.Get("/rx", s.streamRx)
	})
	return r
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Node       node.Status      `json:"node"`
	Metrics    metrics.Snapshot `json:"metrics"`
	Controller any              `json:"controller,omitempty"`
	Captured   *int             `json:"captured,omitempty"`
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{Node: s.node.Status(), Metrics: metrics.Snap()}
	if s.state != nil {
		resp.Controller = s.state()
	}
	if s.history != nil {
		n, err := s.history.Count()
		if err != nil {
			render.Render(w, r, ErrInternal(err))
			return
		}
		resp.Captured = &n
	}
	render.JSON(w, r, resp)
}

// SendRequest is the body of POST /api/frames.
type SendRequest struct {
	// Frame in cansend notation, e.g. "123#0102".
	Frame string `json:"frame"`
	// Async queues the frame instead of waiting for transmission.
	Async bool `json:"async"`

	parsed mscan.Frame
}

func (s *SendRequest) Bind(r *http.Request) error {
	f, err := node.ParseFrame(s.Frame)
	if err != nil {
		return err
	}
	s.parsed = f
	return nil
}

// SendResponse is the body of a successful POST /api/frames.
type SendResponse struct {
	Frame  string `json:"frame"`
	Queued bool   `json:"queued"`
}

func (s *Server) postFrame(w http.ResponseWriter, r *http.Request) {
	req := &SendRequest{}
	if err := render.Bind(r, req); err != nil {
		render.Render(w, r, ErrInvalidRequest(err))
		return
	}
	if req.Async {
		if err := s.node.Send(req.parsed); err != nil {
			render.Render(w, r, ErrUnavailable(err))
			return
		}
		render.Status(r, http.StatusAccepted)
		render.JSON(w, r, SendResponse{Frame: req.parsed.String(), Queued: true})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	if err := s.node.SendWait(ctx, req.parsed); err != nil {
		s.logger.Warn("api_send_failed", "frame", req.parsed.String(), "error", err)
		switch {
		case errors.Is(err, mscan.ErrBuffersFull), errors.Is(err, context.DeadlineExceeded),
			errors.Is(err, mscan.ErrHardwareNotResponding), errors.Is(err, mscan.ErrNotInitialized):
			render.Render(w, r, ErrUnavailable(err))
		case errors.Is(err, mscan.ErrInvalidIdentifier):
			render.Render(w, r, ErrInvalidRequest(err))
		default:
			render.Render(w, r, ErrInternal(err))
		}
		return
	}
	render.JSON(w, r, SendResponse{Frame: req.parsed.String()})
}

func (s *Server) getLatest(w http.ResponseWriter, r *http.Request) {
	m, ok := s.node.Latest()
	if !ok {
		render.Render(w, r, ErrNotFound)
		return
	}
	render.JSON(w, r, m)
}

func (s *Server) getCapture(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		render.Render(w, r, errWithStatus(http.StatusNotImplemented, errNoHistory))
		return
	}
	query := r.URL.Query()
	n := defaultHistory
	if v := query.Get("n"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil || p <= 0 {
			render.Render(w, r, ErrInvalidRequest(errors.New("n must be a positive integer")))
			return
		}
		n = min(p, maxHistory)
	}
	var (
		recs []capture.Record
		err  error
	)
	if v := query.Get("since"); v != "" {
		since, perr := time.Parse(time.RFC3339Nano, v)
		if perr != nil {
			render.Render(w, r, ErrInvalidRequest(errors.New("since must be an RFC 3339 time")))
			return
		}
		// Oldest first; n caps the page.
		recs, err = s.history.Since(since)
		if len(recs) > n {
			recs = recs[:n]
		}
	} else {
		recs, err = s.history.Recent(n)
	}
	if err != nil {
		render.Render(w, r, ErrInternal(err))
		return
	}
	if recs == nil {
		recs = []capture.Record{}
	}
	render.JSON(w, r, recs)
}

// streamRx upgrades to a websocket and writes each consumed message as JSON
// until the client goes away.
func (s *Server) streamRx(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws_upgrade_failed", "error", err)
		return
	}
	defer conn.Close()
	msgs, cancel := s.node.Subscribe(wsBuffer)
	defer cancel()
	s.logger.Info("ws_client_connected", "remote", r.RemoteAddr)
	defer s.logger.Info("ws_client_disconnected", "remote", r.RemoteAddr)

	// The reader only detects the close; client messages are ignored.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case m, ok := <-msgs:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(m); err != nil {
				return
			}
		}
	}
}
