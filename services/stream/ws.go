package stream

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"marketpulse/models"
)

// Constants for websocket connection handling
const (
	DefaultMaxWebSocketClients = 100
	WebSocketWriteTimeout      = 10 * time.Second
	WebSocketPongTimeout       = 60 * time.Second
	WebSocketPingInterval      = 30 * time.Second
	WebSocketMaxMessageSize    = 512
)

// WebSocketMessage is the envelope every frame is wrapped in.
type WebSocketMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
	Time string      `json:"time"`
}

// Gateway bridges websocket connections onto hub subscriptions. Each
// connection owns one Subscriber; the subscriber's bounded channel doubles
// as the client send buffer, so a stalled connection is dropped by the hub
// rather than stalling a tick.
type Gateway struct {
	hub        *Hub
	log        *zap.Logger
	upgrader   websocket.Upgrader
	maxClients int

	mu      sync.RWMutex
	clients int
}

// NewGateway builds a websocket gateway over the hub. maxClients caps
// concurrent connections; zero or negative selects the default.
func NewGateway(hub *Hub, maxClients int, log *zap.Logger) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	if maxClients <= 0 {
		maxClients = DefaultMaxWebSocketClients
	}
	return &Gateway{
		hub:        hub,
		log:        log,
		maxClients: maxClients,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// ClientCount returns the number of connected clients.
func (g *Gateway) ClientCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.clients
}

// MaxClients returns the connection cap.
func (g *Gateway) MaxClients() int { return g.maxClients }

// HandleWebSocket upgrades the connection and streams tick updates for the
// symbols named in the tickers query parameter. No tickers means every
// symbol. Clients may adjust scope later with subscribe/unsubscribe frames.
func (g *Gateway) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	if g.clients >= g.maxClients {
		g.mu.Unlock()
		http.Error(w, "Server at capacity", http.StatusServiceUnavailable)
		return
	}
	g.clients++
	g.mu.Unlock()

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.release()
		g.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	symbols := splitTickers(r.URL.Query().Get("tickers"))
	sub := g.hub.Subscribe(symbols)

	client := &wsClient{
		conn:    conn,
		sub:     sub,
		gateway: g,
	}

	g.log.Info("websocket client connected",
		zap.Int("clients", g.ClientCount()),
		zap.Strings("tickers", symbols))

	// The snapshot goes out before the write pump starts; the connection
	// allows only one writer at a time. Ticks arriving meanwhile wait in the
	// subscriber buffer.
	client.sendSnapshot(symbols)

	go client.writePump()
	go client.readPump()
}

func (g *Gateway) release() {
	g.mu.Lock()
	g.clients--
	g.mu.Unlock()
}

// splitTickers parses the comma-separated tickers parameter, dropping blanks.
func splitTickers(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// wsClient is one websocket connection bound to a hub subscription.
type wsClient struct {
	conn    *websocket.Conn
	sub     *Subscriber
	gateway *Gateway
}

// sendSnapshot pushes the current cached values for the requested symbols so
// clients render immediately instead of waiting for the next tick.
func (c *wsClient) sendSnapshot(symbols []string) {
	if len(symbols) == 0 {
		return
	}
	reads := c.gateway.hub.Read(normalizeAll(symbols))

	type snapshotEntry struct {
		Symbol string      `json:"symbol"`
		State  SymbolState `json:"state"`
		Data   interface{} `json:"data,omitempty"`
	}
	entries := make([]snapshotEntry, 0, len(reads))
	for symbol, read := range reads {
		entry := snapshotEntry{Symbol: symbol, State: read.State}
		if read.Sample != nil {
			entry.Data = read.Sample
		}
		entries = append(entries, entry)
	}

	c.writeJSON(WebSocketMessage{
		Type: "snapshot",
		Data: entries,
		Time: time.Now().Format(time.RFC3339),
	})
}

func (c *wsClient) writeJSON(msg WebSocketMessage) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	c.conn.SetWriteDeadline(time.Now().Add(WebSocketWriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data) == nil
}

// writePump forwards hub updates to the connection and keeps it alive with
// pings. It exits when the subscription closes, which happens on normal
// disconnect and when the hub drops the client as too slow.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(WebSocketPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case update, ok := <-c.sub.Updates():
			if !ok {
				c.conn.SetWriteDeadline(time.Now().Add(WebSocketWriteTimeout))
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "subscription closed"))
				return
			}
			if !c.writeJSON(WebSocketMessage{
				Type: "tick",
				Data: update,
				Time: time.Now().Format(time.RFC3339),
			}) {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(WebSocketWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes control frames and scope commands until the connection
// drops, then tears the subscription down.
func (c *wsClient) readPump() {
	defer func() {
		c.sub.Close()
		c.gateway.release()
		c.conn.Close()
		c.gateway.log.Info("websocket client disconnected",
			zap.Int("clients", c.gateway.ClientCount()))
	}()

	c.conn.SetReadLimit(WebSocketMaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(WebSocketPongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(WebSocketPongTimeout))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.gateway.log.Warn("websocket read error", zap.Error(err))
			}
			break
		}

		var cmd struct {
			Action  string   `json:"action"`
			Tickers []string `json:"tickers"`
		}
		if err := json.Unmarshal(message, &cmd); err != nil {
			continue
		}

		switch cmd.Action {
		case "subscribe":
			c.gateway.hub.AddSymbols(c.sub, cmd.Tickers)
		case "unsubscribe":
			c.gateway.hub.RemoveSymbols(c.sub, cmd.Tickers)
		}
	}
}

func normalizeAll(raw []string) []string {
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		if symbol, err := models.NormalizeSymbol(r); err == nil {
			out = append(out, symbol)
		}
	}
	return out
}
