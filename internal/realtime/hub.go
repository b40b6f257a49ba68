// Package realtime pushes payee notifications (balance changes, releases,
// withdrawal outcomes) to connected WebSocket clients. Each connection is
// bound to the profile that opened it and only sees that profile's events.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mbd888/gigescrow/internal/auth"
	"github.com/mbd888/gigescrow/internal/metrics"
	"github.com/mbd888/gigescrow/internal/notify"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait / 2
	maxMessageSize = 4 << 10
	sendBuffer     = 64
)

// Limits caps concurrent connections. Zero fields take the defaults.
type Limits struct {
	MaxClients    int
	MaxPerProfile int
}

// DefaultLimits allow 10k sockets overall and 5 per payee.
var DefaultLimits = Limits{MaxClients: 10000, MaxPerProfile: 5}

// Subscription narrows which of the profile's events a client receives.
// An empty EventTypes list receives everything.
type Subscription struct {
	EventTypes []notify.EventType `json:"eventTypes"`
}

// Stats is served on the admin realtime endpoint.
type Stats struct {
	Connected int   `json:"connectedClients"`
	Profiles  int   `json:"profiles"`
	Peak      int64 `json:"peakClients"`
	Delivered int64 `json:"delivered"`
	Dropped   int64 `json:"dropped"`
	Rejected  int64 `json:"rejected"`
}

// Client is one WebSocket connection.
type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
	profileID string

	mu    sync.RWMutex
	types map[notify.EventType]struct{}
}

func newClient(h *Hub, conn *websocket.Conn, profileID string) *Client {
	return &Client{hub: h, conn: conn, send: make(chan []byte, sendBuffer), profileID: profileID}
}

func (c *Client) subscribe(sub Subscription) {
	var types map[notify.EventType]struct{}
	if len(sub.EventTypes) > 0 {
		types = make(map[notify.EventType]struct{}, len(sub.EventTypes))
		for _, t := range sub.EventTypes {
			types[t] = struct{}{}
		}
	}
	c.mu.Lock()
	c.types = types
	c.mu.Unlock()
}

func (c *Client) wants(t notify.EventType) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.types == nil {
		return true
	}
	_, ok := c.types[t]
	return ok
}

// Hub indexes clients by profile and fans events out to them.
type Hub struct {
	logger   *slog.Logger
	limits   Limits
	upgrader websocket.Upgrader

	events     chan notify.Event
	register   chan *Client
	unregister chan *Client
	done       chan struct{} // closed when Run exits

	mu       sync.RWMutex
	profiles map[string]map[*Client]struct{}
	count    int

	peak      atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
	rejected  atomic.Int64
}

// NewHub creates a hub. Browser upgrades are accepted from allowedOrigins
// ("*" for any) or the API's own host.
func NewHub(logger *slog.Logger, allowedOrigins []string) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		logger:     logger,
		limits:     DefaultLimits,
		events:     make(chan notify.Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		profiles:   make(map[string]map[*Client]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

// WithLimits overrides the connection caps.
func (h *Hub) WithLimits(l Limits) *Hub {
	if l.MaxClients > 0 {
		h.limits.MaxClients = l.MaxClients
	}
	if l.MaxPerProfile > 0 {
		h.limits.MaxPerProfile = l.MaxPerProfile
	}
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	anyOrigin := false
	for _, o := range allowed {
		if o == "*" {
			anyOrigin = true
		}
		set[strings.TrimRight(o, "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || anyOrigin {
			return true
		}
		if _, ok := set[origin]; ok {
			return true
		}
		return origin == "http://"+r.Host || origin == "https://"+r.Host
	}
}

// Run owns registration and delivery until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			h.logger.Info("realtime hub stopped")
			return
		case c := <-h.register:
			h.add(c)
		case c := <-h.unregister:
			h.remove(c)
		case ev := <-h.events:
			h.deliver(ev)
		}
	}
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	conns := h.profiles[c.profileID]
	if h.count >= h.limits.MaxClients || len(conns) >= h.limits.MaxPerProfile {
		h.mu.Unlock()
		h.rejected.Add(1)
		close(c.send)
		h.logger.Info("websocket rejected at limit", "profile", c.profileID)
		return
	}
	if conns == nil {
		conns = make(map[*Client]struct{})
		h.profiles[c.profileID] = conns
	}
	conns[c] = struct{}{}
	h.count++
	n := h.count
	h.mu.Unlock()

	if int64(n) > h.peak.Load() {
		h.peak.Store(int64(n))
	}
	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Debug("client connected", "profile", c.profileID, "total", n)
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	n := h.detach(c)
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(float64(n))
}

// detach drops c and closes its send channel. Caller holds h.mu.
func (h *Hub) detach(c *Client) int {
	conns, ok := h.profiles[c.profileID]
	if !ok {
		return h.count
	}
	if _, ok := conns[c]; !ok {
		return h.count
	}
	delete(conns, c)
	if len(conns) == 0 {
		delete(h.profiles, c.profileID)
	}
	close(c.send)
	h.count--
	return h.count
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	for _, conns := range h.profiles {
		for c := range conns {
			close(c.send) // writePump sends a close frame
		}
	}
	h.profiles = make(map[string]map[*Client]struct{})
	h.count = 0
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(0)
}

func (h *Hub) deliver(ev notify.Event) {
	h.mu.RLock()
	conns := h.profiles[ev.ProfileID]
	if len(conns) == 0 {
		h.mu.RUnlock()
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		h.mu.RUnlock()
		h.logger.Error("encode realtime event", "event", ev.Type, "error", err)
		return
	}
	var slow []*Client
	for c := range conns {
		if !c.wants(ev.Type) {
			continue
		}
		select {
		case c.send <- payload:
			h.delivered.Add(1)
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	if len(slow) == 0 {
		return
	}
	h.mu.Lock()
	n := h.count
	for _, c := range slow {
		n = h.detach(c)
		h.logger.Warn("dropping slow websocket client", "profile", c.profileID)
	}
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(float64(n))
}

// Notify queues the event for the profile's clients. It never blocks.
func (h *Hub) Notify(_ context.Context, event notify.Event) {
	select {
	case h.events <- event:
		metrics.NotificationsTotal.WithLabelValues(string(event.Type), "queued").Inc()
	default:
		h.dropped.Add(1)
		metrics.NotificationsTotal.WithLabelValues(string(event.Type), "dropped").Inc()
		h.logger.Warn("realtime queue full, dropping event", "event", event.Type)
	}
}

// Stats returns a snapshot of hub counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{
		Connected: h.count,
		Profiles:  len(h.profiles),
		Peak:      h.peak.Load(),
		Delivered: h.delivered.Load(),
		Dropped:   h.dropped.Load(),
		Rejected:  h.rejected.Load(),
	}
}

// Handler serves GET /ws for the authenticated profile.
func (h *Hub) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		profileID := auth.ProfileID(c)
		if profileID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Profile identity required."})
			return
		}
		h.serve(c, profileID)
	}
}

func (h *Hub) serve(c *gin.Context, profileID string) {
	select {
	case <-h.done:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shutting_down", "message": "Server shutting down"})
		return
	default:
	}

	h.mu.RLock()
	full := h.count >= h.limits.MaxClients
	perProfile := len(h.profiles[profileID]) >= h.limits.MaxPerProfile
	h.mu.RUnlock()
	switch {
	case full:
		h.rejected.Add(1)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "too_many_connections", "message": "Connection limit reached"})
		return
	case perProfile:
		h.rejected.Add(1)
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too_many_connections", "message": "Too many connections for this profile"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "profile", profileID, "error", err)
		return
	}

	client := newClient(h, conn, profileID)
	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}
	go client.writePump()
	go client.readPump()
}

// readPump applies subscription updates until the connection drops.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.hub.logger.Debug("websocket read error", "profile", c.profileID, "error", err)
			}
			return
		}
		var sub Subscription
		if err := json.Unmarshal(message, &sub); err != nil {
			continue
		}
		c.subscribe(sub)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
