// Package ws carries the bridge's named-method channel over websockets.
// Requests arrive as JSON text frames or CBOR binary frames and are answered
// in the same encoding; events are broadcast to every connected client.
package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/revmetrix/watchlink/internal/bridge"
)

// Handler executes application calls.
type Handler interface {
	Handle(call bridge.Call, reply bridge.Reply)
}

// Options configures the transport server.
type Options struct {
	Addr         string
	Path         string
	WriteTimeout time.Duration
	Codec        Codec // events codec for clients that do not pick one
}

// Server is the websocket endpoint for the bridge.
type Server struct {
	handler  Handler
	hub      *Hub
	opts     Options
	upgrader websocket.Upgrader
	server   *http.Server
}

// NewServer creates a transport server. Events emitted on hub reach every
// client it accepts.
func NewServer(handler Handler, hub *Hub, opts Options) *Server {
	if opts.Path == "" {
		opts.Path = "/channel"
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 250 * time.Millisecond
	}
	if opts.Codec == nil {
		opts.Codec = JSON
	}
	s := &Server{
		handler: handler,
		hub:     hub,
		opts:    opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc(opts.Path, s.handleChannel)
	s.server = &http.Server{
		Addr:              opts.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler returns the HTTP handler serving the channel path.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	slog.Info("[WS] serving", "addr", ln.Addr().String(), "path", s.opts.Path)
	if err := s.server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: serve: %w", err)
	}
	return nil
}

// ListenAndServe listens on the configured address and serves until Shutdown.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("ws: listen %s: %w", s.opts.Addr, err)
	}
	return s.Serve(ln)
}

// Shutdown stops accepting connections and disconnects every client.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.CloseAll()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("ws: shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	codec := s.opts.Codec
	if name := r.URL.Query().Get("codec"); name != "" {
		c, err := CodecByName(name)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		codec = c
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[WS] upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	slog.Info("[WS] client connected", "remote", r.RemoteAddr, "codec", codec.Name())

	c := newClient(conn, codec)
	s.hub.add(c)
	go c.writeLoop(s.opts.WriteTimeout)
	defer func() {
		s.hub.remove(c)
		slog.Info("[WS] client disconnected", "remote", r.RemoteAddr)
	}()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("[WS] read", "remote", r.RemoteAddr, "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		s.dispatch(c, kind, data)
	}
}

func (s *Server) dispatch(c *client, kind int, data []byte) {
	codec, ok := codecForFrame(kind)
	if !ok {
		return
	}
	var req Request
	if err := codec.Unmarshal(data, &req); err != nil {
		slog.Warn("[WS] bad request", "codec", codec.Name(), "error", err)
		c.enqueue(codec, Reply{Status: bridge.StatusError, Code: "bad_request", Error: err.Error()})
		return
	}
	s.handler.Handle(bridge.Call{Method: req.Method, Args: req.Args}, func(r bridge.Result) {
		c.enqueue(codec, newReply(req.ID, r))
	})
}
