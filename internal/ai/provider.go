package ai

import "context"

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Provider streams an assistant reply for an ordered conversation. Both
// channels are closed when the stream ends; an error on errs terminates the
// generation.
type Provider interface {
	StreamChat(ctx context.Context, messages []Message) (<-chan string, <-chan error)
}
