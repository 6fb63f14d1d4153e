package websocket

import (
	"time"

	"github.com/gorilla/websocket"

	"github.com/raaihank/ngram-embed/internal/dataset"
)

// EventType represents the type of WebSocket event
type EventType string

const (
	// EventTypeJobProgress reports counters of a running dataset job
	EventTypeJobProgress EventType = "job_progress"
	// EventTypeJobCompleted is sent once when a job finishes
	EventTypeJobCompleted EventType = "job_completed"
	// EventTypeJobFailed is sent once when a job stops on an error
	EventTypeJobFailed EventType = "job_failed"
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
	JobID     string      `json:"job_id,omitempty"`
}

// JobEvent is the payload of job events
type JobEvent = dataset.ProgressEvent

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

// SubscriptionRequest restricts which events a client receives.
// Empty Events means all types; empty JobID means all jobs.
type SubscriptionRequest struct {
	Events []EventType `json:"events"`
	JobID  string      `json:"job_id,omitempty"`
}

// Client represents a WebSocket client connection
type Client struct {
	ID           string
	Conn         *websocket.Conn
	Send         chan Event
	Subscription *SubscriptionRequest
	ConnectedAt  time.Time
	LastPing     time.Time
	IP           string
	UserAgent    string
}
