package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zoravur/pipeline-bridge/internal/logutil"
	"github.com/zoravur/pipeline-bridge/internal/metrics"
	"github.com/zoravur/pipeline-bridge/internal/protocol"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const closeGrace = time.Second

// WSHandler serves editor connections. Each connection gets its own read
// loop; frames are dispatched through Router in arrival order.
type WSHandler struct {
	Registry     *protocol.Registry
	Router       *protocol.Router
	Metrics      *metrics.Collector
	Log          *zap.Logger
	WriteTimeout time.Duration

	mu      sync.Mutex
	closing bool
	conns   map[*wsConn]struct{}
	wg      sync.WaitGroup
}

// HandleWS upgrades the request and runs the read loop until the peer
// disconnects or the handler shuts down.
func (h *WSHandler) HandleWS(w http.ResponseWriter, r *http.Request) {
	log := logutil.OrGlobal(h.Log)

	if !h.enter() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer h.wg.Done()

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("upgrade error", zap.Error(err))
		return
	}

	c := &wsConn{
		id:           uuid.NewString(),
		remote:       r.RemoteAddr,
		ws:           ws,
		writeTimeout: h.WriteTimeout,
	}
	log = log.With(zap.String("conn_id", c.id), zap.String("remote", c.remote))

	if !h.track(c) {
		// Shutdown began while the upgrade was in flight.
		_ = c.goingAway()
		_ = c.Close()
		log.Debug("refused connection during shutdown")
		return
	}
	h.Registry.Add(c)
	h.Metrics.ConnectionOpened()
	log.Info("client connected", zap.Int("clients", h.Registry.Len()))

	defer func() {
		h.Registry.Remove(c)
		h.untrack(c)
		h.Metrics.ConnectionClosed()
		_ = c.Close()
		log.Info("client disconnected", zap.Int("clients", h.Registry.Len()))
	}()

	ctx := context.WithoutCancel(r.Context())
	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				log.Warn("ws read error", zap.Error(err))
			} else {
				log.Debug("ws closed", zap.Error(err))
			}
			return
		}
		h.Router.Dispatch(ctx, c, msg)
	}
}

func (h *WSHandler) enter() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.wg.Add(1)
	return true
}

// track records c for Shutdown. It reports false once Shutdown has started;
// the caller must then close c itself.
func (h *WSHandler) track(c *wsConn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	if h.conns == nil {
		h.conns = make(map[*wsConn]struct{})
	}
	h.conns[c] = struct{}{}
	return true
}

func (h *WSHandler) untrack(c *wsConn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
}

func (h *WSHandler) snapshot() []*wsConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*wsConn, 0, len(h.conns))
	for c := range h.conns {
		out = append(out, c)
	}
	return out
}

// Shutdown refuses new connections, asks open ones to close and waits for
// their read loops to exit. When ctx expires first the remaining
// connections are closed outright and ctx.Err() is returned.
func (h *WSHandler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	h.mu.Unlock()

	for _, c := range h.snapshot() {
		_ = c.goingAway()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	for _, c := range h.snapshot() {
		_ = c.Close()
	}
	select {
	case <-done:
	case <-time.After(closeGrace):
		logutil.OrGlobal(h.Log).Warn("connection handlers still running after forced close")
	}
	return ctx.Err()
}

// wsConn adapts a gorilla connection to protocol.Conn. Writes are
// serialized; gorilla allows one concurrent writer.
type wsConn struct {
	id           string
	remote       string
	ws           *websocket.Conn
	writeTimeout time.Duration

	mu sync.Mutex
}

func (c *wsConn) ID() string         { return c.id }
func (c *wsConn) RemoteAddr() string { return c.remote }

func (c *wsConn) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

func (c *wsConn) goingAway() error {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	err := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
	if errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	return err
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}
