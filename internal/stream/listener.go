package stream

import (
	"encoding/json"
	"log"

	"github.com/chatrelay/chatrelay/internal/chat"
)

// Listener is the bus handler for this instance's stream queue. It turns
// worker stream events into routing-table calls.
type Listener struct {
	table *Table
}

func NewListener(table *Table) *Listener {
	return &Listener{table: table}
}

func (l *Listener) HandleEvent(body []byte) {
	var ev chat.StreamEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		log.Printf("stream: bad payload: %v", err)
		return
	}
	if ev.UserID == "" {
		return
	}

	switch ev.Event {
	case chat.EventToken:
		if ev.Content != "" {
			l.table.Deliver(ev.UserID, ev.Content)
		}
	case chat.EventComplete:
		l.table.Complete(ev.UserID)
	default:
		// unknown event kinds are dropped, never fatal
	}
}
