package domain

import "time"

// DeadLetter represents a request message whose processing and error reply
// both failed, kept for offline inspection and replay.
type DeadLetter struct {
	ID            string           `json:"id"`
	Queue         string           `json:"queue"`
	Exchange      string           `json:"exchange"`
	RoutingKey    string           `json:"routing_key"`
	MessageID     string           `json:"message_id"`
	CorrelationID string           `json:"correlation_id"`
	ReplyTo       string           `json:"reply_to"`
	ContentType   string           `json:"content_type"`
	Headers       map[string]any   `json:"headers"`
	Body          []byte           `json:"body"`
	Error         string           `json:"error_msg"`
	ErrorType     string           `json:"error_type"`
	Status        DeadLetterStatus `json:"status"`
	ReplayCount   int              `json:"replay_count"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

type DeadLetterStatus string

const (
	DeadLetterStatusPending  DeadLetterStatus = "pending"
	DeadLetterStatusReplayed DeadLetterStatus = "replayed"
	DeadLetterStatusIgnored  DeadLetterStatus = "ignored"
)
