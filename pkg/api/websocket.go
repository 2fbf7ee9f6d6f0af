package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kaionx/exchange/pkg/eventbus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub tracks connected WebSocket clients for lifecycle logging. Unlike the
// teacher's Hub, it does not fan messages out itself: each client owns a
// direct pkg/eventbus subscription for the single topic its URL names, so
// there is no client-side subscribe/unsubscribe protocol to manage.
type Hub struct {
	register   chan *client
	unregister chan *client
	clients    map[*client]bool
	log        *zap.SugaredLogger
}

func NewHub(log *zap.SugaredLogger) *Hub {
	return &Hub{
		register:   make(chan *client),
		unregister: make(chan *client),
		clients:    make(map[*client]bool),
		log:        log,
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-h.register:
			h.clients[c] = true
			h.log.Infow("ws_client_connected", "id", c.id, "topic", c.topic, "total", len(h.clients))
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				h.log.Infow("ws_client_disconnected", "id", c.id, "topic", c.topic, "total", len(h.clients))
			}
		}
	}
}

// client represents one upgraded connection, bound to exactly one
// eventbus topic for its lifetime.
type client struct {
	hub   *Hub
	conn  *websocket.Conn
	send  chan []byte
	id    string
	topic string
	sub   *eventbus.Subscriber
}

// readPump only watches for the connection closing — clients never send
// subscription requests, since the topic is fixed by the URL (spec §6).
func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.sub.Unsubscribe()
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
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
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

// forwardLoop relays eventbus events onto the client's send channel,
// wrapping them in the {type, data} envelope spec §6 documents. The first
// event delivered is the subscribe-time snapshot (bus.SubscribeWithSnapshot
// guarantees it precedes any delta), tagged snapshotType; every later event
// is tagged updateType. A client too slow to drain is disconnected rather
// than allowed to backlog the eventbus (spec §4.6 drop-slow-subscriber rule
// already enforces this at the bus; this is the symmetric client-side
// backstop).
func (c *client) forwardLoop(snapshotType, updateType string, transform func(payload any) any) {
	first := true
	for ev := range c.sub.C() {
		msgType := updateType
		if first {
			msgType = snapshotType
			first = false
		}
		data := ev.Payload
		if transform != nil {
			data = transform(ev.Payload)
		}
		body, err := json.Marshal(wsEnvelope{Type: msgType, Data: data})
		if err != nil {
			continue
		}
		select {
		case c.send <- body:
		default:
			// closing the connection ends readPump, which unregisters the client
			c.conn.Close()
			return
		}
	}
}

func (s *Server) handleWSPrice(w http.ResponseWriter, r *http.Request) {
	symbol := pathToSymbol(mux.Vars(r)["pair"])
	s.serveWS(w, r, "price."+symbol, func() any {
		t, err := s.market.Ticker(r.Context(), symbol)
		if err != nil {
			return nil
		}
		return t
	}, "price_data", "price_update", func(payload any) any {
		// Real trades publish marketdata.Ticker; the simulator publishes its
		// own lighter-weight PriceTick on the same topic for the cache to
		// fold in. Re-read the cache so every frame on the wire has the same
		// shape regardless of which producer triggered it.
		t, err := s.market.Ticker(r.Context(), symbol)
		if err != nil {
			return payload
		}
		return t
	})
}

func (s *Server) handleWSOrderbook(w http.ResponseWriter, r *http.Request) {
	symbol := pathToSymbol(mux.Vars(r)["pair"])
	s.serveWS(w, r, "book."+symbol, func() any {
		top, err := s.market.OrderBookTop(r.Context(), symbol)
		if err != nil {
			return nil
		}
		return top
	}, "orderbook_data", "orderbook_update", nil)
}

func (s *Server) handleWSTrading(w http.ResponseWriter, r *http.Request) {
	room := mux.Vars(r)["room"]
	s.serveWS(w, r, "trading."+room, nil, "trading_update", "trading_update", nil)
}

// serveWS upgrades the connection, subscribes to topic (with an optional
// snapshot producer), and starts the pumps. snapshot == nil subscribes
// without a leading snapshot frame (used by the administrative room topic,
// which has no canonical "current state" to replay).
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request, topic string, snapshot func() any, snapshotType, updateType string, transform func(any) any) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("ws_upgrade_failed", "topic", topic, "error", err)
		return
	}

	id := conn.RemoteAddr().String() + ":" + topic
	var sub *eventbus.Subscriber
	if snapshot != nil {
		sub = s.bus.SubscribeWithSnapshot(id, topic, snapshot)
	} else {
		sub = s.bus.Subscribe(id, topic)
	}

	c := &client{hub: s.hub, conn: conn, send: make(chan []byte, 256), id: id, topic: topic, sub: sub}
	c.hub.register <- c

	go c.writePump()
	go c.forwardLoop(snapshotType, updateType, transform)
	c.readPump()
}
