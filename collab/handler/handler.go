package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/schemacraft/collabsync/collab"
	"github.com/schemacraft/collabsync/internal"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

const (
	DefaultPongWait   = 60 * time.Second
	DefaultPingPeriod = 30 * time.Second
	DefaultWriteWait  = 10 * time.Second
	DefaultReadLimit  = 1 << 20
	DefaultSendBuffer = 256
)

var (
	errClosing      = errors.New("connection is closing")
	errSlowConsumer = errors.New("send buffer full")
)

// Dispatcher consumes the frames read from each socket. collab.Service is the production
// implementation. For any one connection calls are sequential, and HandleClose is the last
// call made.
type Dispatcher interface {
	HandleFrame(ctx context.Context, conn collab.Conn, frame []byte)
	HandleClose(ctx context.Context, conn collab.Conn)
}

type Options struct {
	// If set, browsers must present this Origin to upgrade. "*" or empty allows any origin.
	// Requests without an Origin header (non-browser clients) are always allowed.
	AllowedOrigin string
	ReadLimit     int64
	// The socket is closed if nothing (frame or pong) is read for this long.
	PongWait   time.Duration
	PingPeriod time.Duration
	WriteWait  time.Duration
	// Frames queued for a client beyond this are not buffered: the client is disconnected.
	SendBuffer int
}

func (o *Options) defaults() {
	if o.PongWait <= 0 {
		o.PongWait = DefaultPongWait
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = DefaultPingPeriod
	}
	if o.PingPeriod >= o.PongWait {
		o.PingPeriod = o.PongWait * 9 / 10
	}
	if o.WriteWait <= 0 {
		o.WriteWait = DefaultWriteWait
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = DefaultReadLimit
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = DefaultSendBuffer
	}
}

// Handler is a net/http Handler which upgrades requests to WebSockets and feeds their
// frames to a Dispatcher.
type Handler struct {
	dispatcher Dispatcher
	opts       Options
	upgrader   websocket.Upgrader

	mu     sync.Mutex
	conns  map[*wsConn]struct{}
	closed bool
	wg     sync.WaitGroup
}

func NewHandler(d Dispatcher, opts Options) *Handler {
	opts.defaults()
	h := &Handler{
		dispatcher: d,
		opts:       opts,
		conns:      make(map[*wsConn]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
		Error: func(w http.ResponseWriter, req *http.Request, status int, reason error) {
			hlog.FromRequest(req).Warn().Int("status", status).Err(reason).Msg("websocket upgrade failed")
			internal.WriteError(w, &internal.HandlerError{
				StatusCode: status,
				Err:        reason,
			})
		},
	}
	return h
}

func (h *Handler) checkOrigin(req *http.Request) bool {
	if h.opts.AllowedOrigin == "" || h.opts.AllowedOrigin == "*" {
		return true
	}
	origin := req.Header.Get("Origin")
	return origin == "" || origin == h.opts.AllowedOrigin
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		internal.WriteError(w, &internal.HandlerError{
			StatusCode: http.StatusServiceUnavailable,
			Err:        fmt.Errorf("server is shutting down"),
		})
		return
	}
	ws, err := h.upgrader.Upgrade(w, req, nil)
	if err != nil {
		// the upgrader has already written the response
		return
	}
	conn := &wsConn{
		id:   uuid.NewString(),
		ws:   ws,
		send: make(chan []byte, h.opts.SendBuffer),
		done: make(chan struct{}),
	}
	if !h.track(conn) {
		conn.shutdown(websocket.CloseGoingAway, "server is shutting down")
		ws.Close()
		return
	}
	hlog.FromRequest(req).Info().Str("c", conn.id).Msg("collaboration socket opened")

	// The request context ends when ServeHTTP returns, which happens long before the
	// socket does.
	hub := internal.GetSentryHubFromContextOrDefault(req.Context()).Clone()
	hub.Scope().SetTag("conn", conn.id)
	ctx := sentry.SetHubOnContext(context.Background(), hub)
	ctx = internal.ConnContext(ctx, conn.id)

	go func() {
		defer h.wg.Done()
		conn.writePump(h.opts)
	}()
	go func() {
		defer h.wg.Done()
		defer h.untrack(conn)
		h.readPump(ctx, conn)
	}()
}

func (h *Handler) track(conn *wsConn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[conn] = struct{}{}
	// one for each pump
	h.wg.Add(2)
	return true
}

func (h *Handler) untrack(conn *wsConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, conn)
}

// NumConns returns the number of open sockets.
func (h *Handler) NumConns() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Close refuses new sockets, closes every open one and waits until each has been handed
// to Dispatcher.HandleClose.
func (h *Handler) Close() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*wsConn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	logger.Info().Int("conns", len(conns)).Msg("closing collaboration sockets")
	for _, c := range conns {
		c.shutdown(websocket.CloseGoingAway, "server is shutting down")
	}
	h.wg.Wait()
}

func (h *Handler) readPump(ctx context.Context, conn *wsConn) {
	ctx, task := internal.StartTask(ctx, "collabSocket")
	defer task.End()

	ws := conn.ws
	ws.SetReadLimit(h.opts.ReadLimit)
	ws.SetReadDeadline(time.Now().Add(h.opts.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.opts.PongWait))
	})
	for {
		msgType, frame, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				internal.DecorateLogger(ctx, logger.Warn()).Err(err).Msg("collaboration socket closed unexpectedly")
			} else {
				internal.DecorateLogger(ctx, logger.Debug()).Err(err).Msg("collaboration socket closed")
			}
			break
		}
		ws.SetReadDeadline(time.Now().Add(h.opts.PongWait))
		if msgType != websocket.TextMessage {
			internal.DecorateLogger(ctx, logger.Debug()).Int("ws_type", msgType).Msg("ignoring non-text frame")
			continue
		}
		h.dispatcher.HandleFrame(ctx, conn, frame)
	}
	conn.shutdown(websocket.CloseNormalClosure, "")
	h.dispatcher.HandleClose(ctx, conn)
	internal.DecorateLogger(ctx, logger.Info()).Msg("collaboration socket finished")
}

// wsConn is a collab.Conn backed by a gorilla websocket. All writes happen on the
// writePump goroutine; Send only queues.
type wsConn struct {
	id   string
	ws   *websocket.Conn
	send chan []byte

	mu        sync.Mutex
	closing   bool
	closeCode int
	closeText string
	done      chan struct{}
}

func (c *wsConn) ID() string {
	return c.id
}

func (c *wsConn) IsReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closing
}

func (c *wsConn) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return errClosing
	}
	select {
	case c.send <- frame:
		return nil
	default:
		c.shutdownLocked(websocket.ClosePolicyViolation, "too slow")
		return errSlowConsumer
	}
}

// shutdown asks the write pump to send a close frame and drop the socket. Idempotent.
func (c *wsConn) shutdown(code int, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shutdownLocked(code, text)
}

func (c *wsConn) shutdownLocked(code int, text string) {
	if c.closing {
		return
	}
	c.closing = true
	c.closeCode = code
	c.closeText = text
	close(c.done)
}

func (c *wsConn) closeMessage() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return websocket.FormatCloseMessage(c.closeCode, c.closeText)
}

func (c *wsConn) writePump(opts Options) {
	ticker := time.NewTicker(opts.PingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case frame := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(opts.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				logger.Debug().Str("c", c.id).Err(err).Msg("write failed")
				c.shutdown(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(opts.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-c.done:
			// frames already accepted by Send still go out
			if !c.drain(opts) {
				return
			}
			c.ws.WriteControl(websocket.CloseMessage, c.closeMessage(), time.Now().Add(opts.WriteWait))
			return
		}
	}
}

func (c *wsConn) drain(opts Options) bool {
	for {
		select {
		case frame := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(opts.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return false
			}
		default:
			return true
		}
	}
}
