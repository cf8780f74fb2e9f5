package chat

import "time"

// WorkItem is the durable work-queue payload for one generation request.
// ReplyToAddress is the stream queue of the instance that enqueued it, so
// any worker can route tokens back to the one process holding the client.
type WorkItem struct {
	ID             string    `json:"id"`
	UserID         string    `json:"userId"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
	ReplyToAddress string    `json:"replyToAddress"`
}

const (
	EventToken    = "token"
	EventComplete = "complete"
)

// StreamEvent is sent from a worker to one instance's stream queue.
// Ephemeral, never persisted. Receivers drop unknown Event values.
type StreamEvent struct {
	UserID  string `json:"userId"`
	Event   string `json:"event"`
	Content string `json:"content"`
}
