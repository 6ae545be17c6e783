package ws

import (
	"context"
	"errors"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"teleconsult-backend/internal/domain"
	"teleconsult-backend/internal/room"
	"teleconsult-backend/internal/service/chat"
	"teleconsult-backend/pkg/constants"
	"teleconsult-backend/pkg/logger"
	"teleconsult-backend/pkg/metrics"
)

// Dispatcher consumes validated socket events
type Dispatcher interface {
	Dispatch(ctx context.Context, p room.Peer, ev domain.InboundEvent) error
	Disconnect(p room.Peer)
}

// HubConfig bounds the hub's resource use
type HubConfig struct {
	MaxConnections int
	SendBuffer     int
	AllowedOrigins []string
	HandlerTimeout time.Duration
}

// Hub upgrades HTTP requests to sockets and feeds their events to the broker
type Hub struct {
	broker Dispatcher
	cfg    HubConfig

	// Semaphore for limiting concurrent connections
	semaphore chan struct{}
	upgrader  websocket.Upgrader

	mu      sync.Mutex
	clients map[*Client]struct{}
}

// Client is one live socket. It is the room.Peer the broker sees.
type Client struct {
	hub  *Hub
	id   string
	conn *websocket.Conn
	ctx  context.Context

	cancel context.CancelFunc

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

// NewHub creates a hub dispatching to broker
func NewHub(broker Dispatcher, cfg HubConfig) *Hub {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = constants.DefaultMaxConnections
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = constants.WebSocketSendBuffer
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = constants.EventHandlerTimeout
	}

	h := &Hub{
		broker:    broker,
		cfg:       cfg,
		semaphore: make(chan struct{}, cfg.MaxConnections),
		clients:   make(map[*Client]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	return h
}

// originChecker accepts requests without an Origin header (non-browser
// clients) and browser requests from an allowed origin. "*" allows any.
func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	wildcard := false
	for _, o := range allowed {
		if o == "*" {
			wildcard = true
		}
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || wildcard {
			return true
		}
		_, ok := set[origin]
		if !ok {
			metrics.SignalingConnectionsRejectedTotal.WithLabelValues("origin").Inc()
			logger.Warn("WebSocket origin rejected", zap.String("origin", origin))
		}
		return ok
	}
}

// ServeWS handles WebSocket requests
// GET /v1/ws
func (h *Hub) ServeWS(c *gin.Context) {
	select {
	case h.semaphore <- struct{}{}:
	default:
		metrics.SignalingConnectionsRejectedTotal.WithLabelValues("capacity").Inc()
		logger.Warn("WebSocket connection rejected: max connections reached",
			zap.Int("max_connections", h.cfg.MaxConnections))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Server at capacity, please try again later"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		<-h.semaphore
		logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &Client{
		hub:    h,
		id:     uuid.New().String(),
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
		send:   make(chan []byte, h.cfg.SendBuffer),
	}

	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	metrics.SignalingConnections.Inc()

	logger.Debug("WebSocket connected",
		zap.String("peer_id", client.id),
		zap.String("remote_addr", c.Request.RemoteAddr))

	go client.writePump()
	go client.readPump()
}

// Len returns the number of live sockets
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close drops every live socket
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.conn.Close()
	}
}

func (h *Hub) release(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()

	if ok {
		metrics.SignalingConnections.Dec()
		<-h.semaphore
	}
}

// dispatch runs one event. A panic is contained to this event.
func (h *Hub) dispatch(c *Client, ev domain.InboundEvent) {
	defer func() {
		if r := recover(); r != nil {
			metrics.SignalingHandlerPanicTotal.Inc()
			logger.Error("Panic in socket event handler",
				zap.String("peer_id", c.id),
				zap.String("event", ev.Name()),
				zap.String("room_id", ev.Room()),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			c.reject(&domain.EventError{Event: ev.Name(), Code: domain.EventErrHandlerFailed, Message: "internal error"})
		}
	}()

	ctx, cancel := context.WithTimeout(c.ctx, h.cfg.HandlerTimeout)
	defer cancel()

	if err := h.broker.Dispatch(ctx, c, ev); err != nil {
		evErr := toEventError(ev, err)
		logger.Warn("Socket event failed",
			zap.String("peer_id", c.id),
			zap.String("event", ev.Name()),
			zap.String("room_id", ev.Room()),
			zap.String("code", evErr.Code),
			zap.Error(err))
		c.reject(evErr)
	}
}

func toEventError(ev domain.InboundEvent, err error) *domain.EventError {
	var evErr *domain.EventError
	switch {
	case errors.As(err, &evErr):
		return evErr
	case errors.Is(err, domain.ErrCallNotFound):
		return &domain.EventError{Event: ev.Name(), Code: domain.EventErrCallNotFound, Message: "call not found"}
	case errors.Is(err, chat.ErrInvalidMessage):
		return &domain.EventError{Event: ev.Name(), Code: domain.EventErrInvalidData, Message: err.Error()}
	}
	return &domain.EventError{Event: ev.Name(), Code: domain.EventErrHandlerFailed, Message: "request could not be completed"}
}

// ID identifies the connection in rooms and logs
func (c *Client) ID() string {
	return c.id
}

// Send queues frame without blocking. A full queue drops the frame.
func (c *Client) Send(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		metrics.SignalingMessagesDroppedTotal.WithLabelValues("buffer_full").Inc()
		logger.Warn("Dropping frame for slow socket", zap.String("peer_id", c.id))
		return false
	}
}

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) reject(evErr *domain.EventError) {
	metrics.SignalingEventsRejectedTotal.WithLabelValues(evErr.Code).Inc()
	frame, err := domain.EncodeEvent(domain.EventRejected, evErr)
	if err != nil {
		return
	}
	c.Send(frame)
}

// readPump reads frames until the socket closes, then leaves every room
func (c *Client) readPump() {
	defer func() {
		c.hub.broker.Disconnect(c)
		c.cancel()
		c.closeSend()
		c.conn.Close()
		c.hub.release(c)
		logger.Debug("WebSocket disconnected", zap.String("peer_id", c.id))
	}()

	c.conn.SetReadLimit(constants.WebSocketMaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("WebSocket connection closed",
					zap.String("peer_id", c.id),
					zap.Error(err))
			}
			return
		}

		ev, err := domain.ParseInboundEvent(message)
		if err != nil {
			evErr := toRejection(err)
			logger.Warn("Rejected socket event",
				zap.String("peer_id", c.id),
				zap.String("event", evErr.Event),
				zap.String("code", evErr.Code))
			c.reject(evErr)
			continue
		}

		c.hub.dispatch(c, ev)
	}
}

func toRejection(err error) *domain.EventError {
	var evErr *domain.EventError
	if errors.As(err, &evErr) {
		return evErr
	}
	return &domain.EventError{Code: domain.EventErrMalformed, Message: err.Error()}
}

// writePump writes queued frames and keeps the connection alive with pings
func (c *Client) writePump() {
	ticker := time.NewTicker(constants.WebSocketPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
