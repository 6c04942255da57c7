package websocket

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10
	// Maximum message size allowed from peer
	maxMessageSize = 512
	// Buffered events per client before it is dropped as too slow
	clientBuffer = 256
)

// HubConfig contains configuration for the WebSocket hub
type HubConfig struct {
	BroadcastRejections  bool
	BroadcastEscapes     bool
	BroadcastRequests    bool
	BroadcastSystem      bool
	BroadcastConnections bool
	Username             string
	Password             string
	// AllowedOrigins lists origins or hosts allowed to connect. Empty means
	// same-origin only; "*" allows any origin.
	AllowedOrigins []string
	// ClientIP resolves the address reported for a connecting client.
	// Defaults to the peer address.
	ClientIP func(r *http.Request) string
	// OnClientsChanged receives the active client count after every change
	OnClientsChanged func(active int)
}

// Hub maintains the set of active clients and broadcasts messages to the clients
type Hub struct {
	// Registered clients
	clients map[*Client]bool

	// Outbound events for the clients
	broadcast chan Event

	// Register requests from the clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	stop    chan struct{}
	stopped chan struct{}

	config   *HubConfig
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu    sync.RWMutex
	stats *HubStats
}

// HubStats tracks WebSocket hub statistics
type HubStats struct {
	TotalConnections   int64
	ActiveConnections  int64
	TotalMessages      int64
	TotalBroadcasts    int64
	DroppedEvents      int64
	LastConnectionTime time.Time
	LastDisconnectTime time.Time
	LastBroadcastTime  time.Time
}

// NewHub creates a new WebSocket hub
func NewHub(config *HubConfig, logger *zap.Logger) *Hub {
	if config == nil {
		config = &HubConfig{}
	}

	h := &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		stop:       make(chan struct{}),
		stopped:    make(chan struct{}),
		config:     config,
		logger:     logger,
		stats:      &HubStats{},
	}

	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}

	return h
}

// Run handles client registration, unregistration and broadcasting until Stop is called
func (h *Hub) Run() {
	defer close(h.stopped)

	h.logger.Info("Starting WebSocket hub")

	for {
		select {
		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case event := <-h.broadcast:
			h.broadcastEvent(event, nil)

		case <-h.stop:
			h.closeAll()
			return
		}
	}
}

// Stop disconnects every client and ends Run
func (h *Hub) Stop() {
	select {
	case <-h.stop:
	default:
		close(h.stop)
	}
	<-h.stopped
}

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	h.stats.TotalConnections++
	h.stats.LastConnectionTime = time.Now()
	active := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("Client connected",
		zap.String("client_id", client.ID),
		zap.String("client_ip", client.IP),
		zap.Int("active_connections", active),
	)
	h.clientsChanged(active)

	if h.config.BroadcastConnections {
		h.broadcastEvent(h.connectionEvent("connected", client), client)
	}
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	_, ok := h.clients[client]
	if ok {
		h.removeLocked(client)
		h.stats.LastDisconnectTime = time.Now()
	}
	active := len(h.clients)
	h.mu.Unlock()

	if !ok {
		return
	}

	h.logger.Info("Client disconnected",
		zap.String("client_id", client.ID),
		zap.String("client_ip", client.IP),
		zap.Int("active_connections", active),
	)
	h.clientsChanged(active)

	if h.config.BroadcastConnections {
		h.broadcastEvent(h.connectionEvent("disconnected", client), nil)
	}
}

func (h *Hub) connectionEvent(action string, client *Client) Event {
	return Event{
		Type:      EventTypeConnection,
		Timestamp: time.Now(),
		Data: ConnectionEvent{
			Action:    action,
			ClientID:  client.ID,
			ClientIP:  client.IP,
			UserAgent: client.UserAgent,
			Message:   fmt.Sprintf("Client %s %s", client.ID, action),
		},
	}
}

// removeLocked drops a client. h.mu must be held for writing.
func (h *Hub) removeLocked(client *Client) {
	delete(h.clients, client)
	close(client.Send)
}

// broadcastEvent sends event to every subscribed client except exclude
func (h *Hub) broadcastEvent(event Event, exclude *Client) {
	h.mu.Lock()
	h.stats.TotalBroadcasts++
	h.stats.LastBroadcastTime = time.Now()

	slow := 0
	for client := range h.clients {
		if client == exclude || !h.shouldSendToClient(client, event) {
			continue
		}
		select {
		case client.Send <- event:
			h.stats.TotalMessages++
		default:
			h.logger.Warn("Client send channel full, closing connection",
				zap.String("client_id", client.ID),
			)
			h.removeLocked(client)
			slow++
		}
	}
	active := len(h.clients)
	h.mu.Unlock()

	if slow > 0 {
		h.clientsChanged(active)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	for client := range h.clients {
		h.removeLocked(client)
	}
	h.mu.Unlock()
	h.clientsChanged(0)
}

func (h *Hub) clientsChanged(active int) {
	if h.config.OnClientsChanged != nil {
		h.config.OnClientsChanged(active)
	}
}

// shouldSendToClient checks the client's subscription. h.mu must be held.
func (h *Hub) shouldSendToClient(client *Client, event Event) bool {
	sub := client.subscription
	if sub == nil {
		return true
	}

	if len(sub.Events) > 0 {
		subscribed := false
		for _, eventType := range sub.Events {
			if eventType == event.Type {
				subscribed = true
				break
			}
		}
		if !subscribed {
			return false
		}
	}

	if sub.Filter != nil {
		return applyEventFilter(sub.Filter, event)
	}

	return true
}

// applyEventFilter matches request-scoped events against a client filter.
// Events without request details always pass.
func applyEventFilter(filter *EventFilter, event Event) bool {
	var path, ip, source string

	switch data := event.Data.(type) {
	case InputRejectedEvent:
		path, ip, source = data.Path, data.ClientIP, data.Source
	case ParameterEscapedEvent:
		path, ip, source = data.Path, data.ClientIP, data.Source
	case RequestLogEvent:
		path, ip = data.Path, data.ClientIP
	default:
		return true
	}

	if filter.ExcludeHealth && path == "/health" {
		return false
	}

	if len(filter.IPWhitelist) > 0 && !contains(filter.IPWhitelist, ip) {
		return false
	}

	if len(filter.Sources) > 0 && source != "" && !contains(filter.Sources, source) {
		return false
	}

	if len(filter.PathPrefixes) > 0 {
		matched := false
		for _, prefix := range filter.PathPrefixes {
			if strings.HasPrefix(path, prefix) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	return true
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// BroadcastEvent sends an event to all connected clients if its type is enabled
func (h *Hub) BroadcastEvent(event Event) {
	if !h.shouldBroadcastEvent(event.Type) {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case h.broadcast <- event:
	default:
		h.mu.Lock()
		h.stats.DroppedEvents++
		h.mu.Unlock()
		h.logger.Warn("Broadcast channel full, dropping event",
			zap.String("event_type", string(event.Type)),
		)
	}
}

// shouldBroadcastEvent checks if an event type should be broadcast based on configuration
func (h *Hub) shouldBroadcastEvent(eventType EventType) bool {
	switch eventType {
	case EventTypeInputRejected:
		return h.config.BroadcastRejections
	case EventTypeParameterEscaped:
		return h.config.BroadcastEscapes
	case EventTypeRequestLog:
		return h.config.BroadcastRequests
	case EventTypeSystemStatus:
		return h.config.BroadcastSystem
	case EventTypeConnection:
		return h.config.BroadcastConnections
	default:
		return false
	}
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	u, err := url.Parse(origin)
	if err != nil {
		return false
	}

	if len(h.config.AllowedOrigins) == 0 {
		return strings.EqualFold(u.Host, r.Host)
	}

	for _, allowed := range h.config.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, u.Host) {
			return true
		}
	}
	return false
}

func (h *Hub) authorized(r *http.Request) bool {
	if h.config.Username == "" && h.config.Password == "" {
		return true
	}

	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}

	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(h.config.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(h.config.Password)) == 1
	return userOK && passOK
}

// HandleWebSocket upgrades the connection and registers the client
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		w.Header().Set("WWW-Authenticate", `Basic realm="input-sentinel"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}

	client := &Client{
		ID:          uuid.NewString(),
		Conn:        conn,
		Send:        make(chan Event, clientBuffer),
		ConnectedAt: time.Now(),
		IP:          h.clientIP(r),
		UserAgent:   r.UserAgent(),
	}

	select {
	case h.register <- client:
	case <-h.stop:
		conn.Close()
		return
	}

	go h.writePump(client)
	go h.readPump(client)
}

// writePump writes queued events and pings to the client
func (h *Hub) writePump(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.Conn.Close()
	}()

	for {
		select {
		case event, ok := <-client.Send:
			client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := client.Conn.WriteJSON(event); err != nil {
				h.logger.Debug("Failed to write WebSocket message",
					zap.String("client_id", client.ID),
					zap.Error(err),
				)
				return
			}

		case <-ticker.C:
			client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads client messages until the connection closes
func (h *Hub) readPump(client *Client) {
	defer func() {
		select {
		case h.unregister <- client:
		case <-h.stopped:
		}
		client.Conn.Close()
	}()

	client.Conn.SetReadLimit(maxMessageSize)
	client.Conn.SetReadDeadline(time.Now().Add(pongWait))
	client.Conn.SetPongHandler(func(string) error {
		client.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg ClientMessage
		if err := client.Conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("WebSocket error",
					zap.String("client_id", client.ID),
					zap.Error(err),
				)
			}
			return
		}

		h.handleClientMessage(client, msg)
	}
}

// handleClientMessage handles messages received from clients
func (h *Hub) handleClientMessage(client *Client, msg ClientMessage) {
	switch msg.Type {
	case "subscribe":
		raw, err := json.Marshal(msg.Data)
		if err != nil {
			return
		}
		var subscription SubscriptionRequest
		if err := json.Unmarshal(raw, &subscription); err != nil {
			h.logger.Debug("Invalid subscription", zap.String("client_id", client.ID), zap.Error(err))
			return
		}

		h.mu.Lock()
		client.subscription = &subscription
		h.mu.Unlock()

		h.logger.Info("Client subscription updated",
			zap.String("client_id", client.ID),
			zap.Any("subscription", subscription),
		)

	case "ping":
		h.mu.RLock()
		if h.clients[client] {
			select {
			case client.Send <- Event{Type: EventTypePong, Timestamp: time.Now(), Data: map[string]string{"message": "pong"}}:
			default:
			}
		}
		h.mu.RUnlock()
	}
}

// GetStats returns current hub statistics
func (h *Hub) GetStats() HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	stats := *h.stats
	stats.ActiveConnections = int64(len(h.clients))
	return stats
}

func (h *Hub) clientIP(r *http.Request) string {
	if h.config.ClientIP != nil {
		return h.config.ClientIP(r)
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
