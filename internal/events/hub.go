// Package events broadcasts resolver lifecycle events to operator UIs over
// websockets.
package events

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/crossmesh/fusion-resolver/internal/engine"
	"github.com/crossmesh/fusion-resolver/internal/order"
	"github.com/crossmesh/fusion-resolver/pkg/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // operator hub binds to localhost
	},
}

// Type names the event kinds operators can subscribe to.
type Type string

const (
	TypeNewOrder          Type = "newOrder"
	TypeOrderUpdate       Type = "orderUpdate"
	TypeExecutionComplete Type = "executionComplete"
	TypeExecutionFailed   Type = "executionFailed"
)

// Frame is one JSON message on the wire.
type Frame struct {
	Type      Type        `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

// subscription is a client's subscribe/unsubscribe request.
type subscription struct {
	Action string   `json:"action"`
	Events []string `json:"events"`
}

// client is one connected operator.
type client struct {
	conn          *websocket.Conn
	send          chan []byte
	subscriptions map[Type]bool
	mu            sync.RWMutex
	hub           *Hub
}

// Hub fans resolver events out to connected operator clients. It implements
// engine.Notifier.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan *Frame
	register   chan *client
	unregister chan *client
	log        *logging.Logger
	mu         sync.RWMutex
}

// NewHub creates a hub; call Run to start it.
func NewHub(log *logging.Logger) *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan *Frame, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		log:        log.Component("events"),
	}
}

// Run pumps events until the context ends.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.log.Debug("operator connected", "clients", h.ClientCount())

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			h.log.Debug("operator disconnected", "clients", h.ClientCount())

		case frame := <-h.broadcast:
			h.deliver(frame)
		}
	}
}

func (h *Hub) deliver(frame *Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		h.log.Error("failed to marshal event", "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.mu.RLock()
		subscribed := c.subscriptions[frame.Type] || len(c.subscriptions) == 0
		c.mu.RUnlock()
		if !subscribed {
			continue
		}

		select {
		case c.send <- data:
		default:
			// Slow consumer, drop it.
			delete(h.clients, c)
			close(c.send)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

// Broadcast queues an event for delivery; a full queue drops the event
// rather than blocking the caller.
func (h *Hub) Broadcast(t Type, data interface{}) {
	frame := &Frame{Type: t, Data: data, Timestamp: time.Now().Unix()}
	select {
	case h.broadcast <- frame:
	default:
		h.log.Warn("event queue full, dropping", "type", t)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// orderPayload is the wire shape of order events.
type orderPayload struct {
	OrderHash   string `json:"orderHash"`
	Status      string `json:"status,omitempty"`
	SourceChain string `json:"sourceChain,omitempty"`
	DestChain   string `json:"destChain,omitempty"`
	ResolverFee string `json:"resolverFee,omitempty"`
	Expiry      int64  `json:"expiry,omitempty"`
}

// resultPayload is the wire shape of execution results.
type resultPayload struct {
	ExecutionID    string              `json:"executionId"`
	OrderHash      string              `json:"orderHash"`
	State          string              `json:"state"`
	RealizedProfit string              `json:"realizedProfit,omitempty"`
	DurationSec    int64               `json:"durationSec"`
	TxRefs         map[string][]string `json:"txRefs,omitempty"`
	Reason         string              `json:"reason,omitempty"`
}

// NewOrder announces a freshly detected order.
func (h *Hub) NewOrder(o *order.SwapOrder) {
	fee := ""
	if o.ResolverFee != nil {
		fee = o.ResolverFee.String()
	}
	h.Broadcast(TypeNewOrder, &orderPayload{
		OrderHash:   order.HashString(o.OrderHash),
		Status:      string(o.Status),
		SourceChain: o.SourceChain,
		DestChain:   o.DestChain,
		ResolverFee: fee,
		Expiry:      o.Expiry.Unix(),
	})
}

// NotifyOrderUpdate implements engine.Notifier.
func (h *Hub) NotifyOrderUpdate(orderHash [32]byte, status order.Status) {
	h.Broadcast(TypeOrderUpdate, &orderPayload{
		OrderHash: order.HashString(orderHash),
		Status:    string(status),
	})
}

// NotifyExecutionComplete implements engine.Notifier.
func (h *Hub) NotifyExecutionComplete(res *engine.Result) {
	profit := ""
	if res.RealizedProfit != nil {
		profit = res.RealizedProfit.String()
	}
	h.Broadcast(TypeExecutionComplete, &resultPayload{
		ExecutionID:    res.ExecutionID,
		OrderHash:      order.HashString(res.OrderHash),
		State:          string(res.State),
		RealizedProfit: profit,
		DurationSec:    int64(res.Duration.Seconds()),
		TxRefs:         res.TxRefs,
	})
}

// NotifyExecutionFailed implements engine.Notifier.
func (h *Hub) NotifyExecutionFailed(orderHash [32]byte, state engine.ExecState, reason string) {
	h.Broadcast(TypeExecutionFailed, &resultPayload{
		OrderHash: order.HashString(orderHash),
		State:     string(state),
		Reason:    reason,
	})
}

// ServeHTTP upgrades an operator connection and attaches it to the hub.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		conn:          conn,
		send:          make(chan []byte, 256),
		subscriptions: make(map[Type]bool),
		hub:           h,
	}
	h.register <- c

	go c.writePump()
	go c.readPump()
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("websocket read error", "error", err)
			}
			break
		}

		var sub subscription
		if err := json.Unmarshal(message, &sub); err == nil {
			c.handleSubscription(&sub)
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) handleSubscription(sub *subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, name := range sub.Events {
		t := Type(name)
		switch sub.Action {
		case "subscribe":
			c.subscriptions[t] = true
		case "unsubscribe":
			delete(c.subscriptions, t)
		}
	}
}
