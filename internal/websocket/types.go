package websocket

import (
	"time"

	"github.com/gorilla/websocket"
)

// EventType represents the type of WebSocket event
type EventType string

const (
	// EventTypeInputRejected is sent when a request parameter fails the allow/deny check
	EventTypeInputRejected EventType = "input_rejected"
	// EventTypeParameterEscaped is sent when escape rules rewrote request parameters
	EventTypeParameterEscaped EventType = "parameter_escaped"
	// EventTypeRequestLog represents a request logging event
	EventTypeRequestLog EventType = "request_log"
	// EventTypeSystemStatus represents a system status event
	EventTypeSystemStatus EventType = "system_status"
	// EventTypeConnection represents connection events
	EventTypeConnection EventType = "connection"
	// EventTypePong answers a client ping
	EventTypePong EventType = "pong"
)

// Event represents a WebSocket event sent to clients
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
	RequestID string      `json:"request_id,omitempty"`
}

// InputRejectedEvent describes a rejected parameter name or value
type InputRejectedEvent struct {
	RequestID     string `json:"request_id"`
	Method        string `json:"method"`
	Path          string `json:"path"`
	ClientIP      string `json:"client_ip"`
	UserAgent     string `json:"user_agent,omitempty"`
	Source        string `json:"source"`
	Parameter     string `json:"parameter"`
	Field         string `json:"field"`
	Candidate     string `json:"candidate"`
	Mode          string `json:"mode"`
	Blocked       bool   `json:"blocked"`
	OffenderCount int64  `json:"offender_count,omitempty"`
}

// Substitution is one rewrite made by an escape rule
type Substitution struct {
	Group     string `json:"group"`
	Pattern   string `json:"pattern"`
	Parameter string `json:"parameter"`
	Field     string `json:"field"`
	Before    string `json:"before"`
	After     string `json:"after"`
}

// ParameterEscapedEvent lists the rewrites applied to one request
type ParameterEscapedEvent struct {
	RequestID     string         `json:"request_id"`
	Method        string         `json:"method"`
	Path          string         `json:"path"`
	ClientIP      string         `json:"client_ip"`
	Source        string         `json:"source"`
	Substitutions []Substitution `json:"substitutions"`
	Applied       bool           `json:"applied"`
}

// RequestLogEvent represents a request logging event
type RequestLogEvent struct {
	RequestID    string        `json:"request_id"`
	Method       string        `json:"method"`
	Path         string        `json:"path"`
	StatusCode   int           `json:"status_code"`
	ClientIP     string        `json:"client_ip"`
	UserAgent    string        `json:"user_agent,omitempty"`
	Duration     time.Duration `json:"duration"`
	RequestSize  int64         `json:"request_size"`
	ResponseSize int64         `json:"response_size"`
}

// SystemStatusEvent represents system status information
type SystemStatusEvent struct {
	Status           string `json:"status"`
	Uptime           string `json:"uptime"`
	Mode             string `json:"mode"`
	DenyPatterns     int    `json:"deny_patterns"`
	AllowPatterns    int    `json:"allow_patterns"`
	EscapeRules      int    `json:"escape_rules"`
	ConnectedClients int    `json:"connected_clients"`
	Message          string `json:"message,omitempty"`
}

// ConnectionEvent represents WebSocket connection events
type ConnectionEvent struct {
	Action    string `json:"action"` // "connected", "disconnected"
	ClientID  string `json:"client_id"`
	ClientIP  string `json:"client_ip"`
	UserAgent string `json:"user_agent,omitempty"`
	Message   string `json:"message,omitempty"`
}

// ClientMessage represents messages sent from clients to server
type ClientMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// SubscriptionRequest represents a client subscription request
type SubscriptionRequest struct {
	Events []EventType  `json:"events"`
	Filter *EventFilter `json:"filter,omitempty"`
}

// EventFilter represents filtering options for events
type EventFilter struct {
	Sources       []string `json:"sources,omitempty"`
	IPWhitelist   []string `json:"ip_whitelist,omitempty"`
	PathPrefixes  []string `json:"path_prefixes,omitempty"`
	ExcludeHealth bool     `json:"exclude_health,omitempty"`
}

// Client represents a WebSocket client connection
type Client struct {
	ID          string
	Conn        *websocket.Conn
	Send        chan Event
	ConnectedAt time.Time
	IP          string
	UserAgent   string

	subscription *SubscriptionRequest
}
