package stream

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/mshafiee/chimera/pkg/types"
	"go.uber.org/zap"
)

// Event kinds pushed to stream subscribers.
const (
	EventPosition = "position"
	EventTrade    = "trade"
	EventAlert    = "alert"
)

// Event is one message on the stream.
type Event struct {
	Type string    `json:"type"`
	At   time.Time `json:"at"`
	Data any       `json:"data"`
}

// TradeData is the payload of a trade event.
type TradeData struct {
	Position *types.Position `json:"position"`
	Realized float64         `json:"realized,omitempty"`
	Closed   bool            `json:"closed"`
}

// AlertData is the payload of an alert event.
type AlertData struct {
	Message string `json:"message"`
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 50 * time.Second
	clientBuffer   = 64
	broadcastDepth = 256
)

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans events out to websocket subscribers. A subscriber that
// cannot keep up is disconnected rather than allowed to backpressure
// the engine.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}

	events   chan Event
	upgrader websocket.Upgrader
	logger   *zap.Logger
	wg       sync.WaitGroup
}

// NewHub creates a stream hub.
func NewHub(logger *zap.Logger) (*Hub, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	return &Hub{
		clients: make(map[*client]struct{}),
		events:  make(chan Event, broadcastDepth),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger: logger,
	}, nil
}

// Start launches the fan-out loop.
func (h *Hub) Start(ctx context.Context) {
	h.wg.Add(1)
	go h.run(ctx)
}

// Wait blocks until the fan-out loop exits and all clients are closed.
func (h *Hub) Wait() {
	h.wg.Wait()
}

func (h *Hub) run(ctx context.Context) {
	defer h.wg.Done()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case event := <-h.events:
			payload, err := json.Marshal(event)
			if err != nil {
				h.logger.Error("event-encode-failed", zap.Error(err))
				continue
			}
			h.fanOut(payload)
		}
	}
}

func (h *Hub) fanOut(payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
			// Slow consumer: drop it.
			delete(h.clients, c)
			close(c.send)
			ClientsGauge.Set(float64(len(h.clients)))
			h.logger.Warn("stream-client-dropped")
		}
	}
	EventsTotal.Inc()
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	ClientsGauge.Set(0)
}

// Broadcast enqueues one event, dropping it if the hub is saturated.
func (h *Hub) Broadcast(event Event) {
	select {
	case h.events <- event:
	default:
		h.logger.Warn("stream-event-dropped", zap.String("type", event.Type))
	}
}

// PublishPosition pushes a position lifecycle update.
func (h *Hub) PublishPosition(p *types.Position) {
	h.Broadcast(Event{Type: EventPosition, At: time.Now().UTC(), Data: p})
}

// PublishTrade pushes an activation or close.
func (h *Hub) PublishTrade(p *types.Position, realized float64, closed bool) {
	h.Broadcast(Event{Type: EventTrade, At: time.Now().UTC(), Data: TradeData{
		Position: p, Realized: realized, Closed: closed,
	}})
}

// PublishAlert pushes an operator alert.
func (h *Hub) PublishAlert(message string) {
	h.Broadcast(Event{Type: EventAlert, At: time.Now().UTC(), Data: AlertData{Message: message}})
}

// ServeHTTP upgrades one subscriber connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("stream-upgrade-failed", zap.Error(err))
		return
	}

	c := &client{conn: conn, send: make(chan []byte, clientBuffer)}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	ClientsGauge.Set(float64(len(h.clients)))
	h.mu.Unlock()

	h.logger.Info("stream-client-connected", zap.String("remote", r.RemoteAddr))

	go h.writePump(c)
	go h.readPump(c)
}

// writePump drains the client's send queue onto the wire.
func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump exists to observe close frames and pongs; the stream is
// push-only.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.mu.Lock()
		if _, ok := h.clients[c]; ok {
			delete(h.clients, c)
			close(c.send)
			ClientsGauge.Set(float64(len(h.clients)))
		}
		h.mu.Unlock()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
