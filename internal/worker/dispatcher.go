package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chatrelay/chatrelay/internal/ai"
	"github.com/chatrelay/chatrelay/internal/chat"
)

type publisher interface {
	Publish(ctx context.Context, exchange, key string, v any) error
}

// Dispatcher consumes work items, streams a generation from the AI provider,
// republishes each token to the requesting instance's stream queue, and
// commits the final assistant record locally plus via broadcast.
//
// Tokens for one generation are published sequentially to one destination,
// so the broker preserves their order. Two concurrent generations for the
// same user have no relative ordering; turns are not serialized per user.
type Dispatcher struct {
	repo     *chat.Repo
	rec      *chat.Reconciler
	provider ai.Provider
	pub      publisher

	replFanout    string
	contextWindow int
}

func NewDispatcher(repo *chat.Repo, rec *chat.Reconciler, provider ai.Provider, pub publisher, replFanout string, contextWindow int) *Dispatcher {
	if contextWindow <= 0 {
		contextWindow = 100
	}
	return &Dispatcher{
		repo:          repo,
		rec:           rec,
		provider:      provider,
		pub:           pub,
		replFanout:    replFanout,
		contextWindow: contextWindow,
	}
}

// Handle processes one work item end to end. A returned error is terminal
// for the item: the caller nacks without requeue and no partial assistant
// record is persisted.
func (d *Dispatcher) Handle(ctx context.Context, body []byte) error {
	var item chat.WorkItem
	if err := json.Unmarshal(body, &item); err != nil {
		return fmt.Errorf("work item: %w", err)
	}
	if item.ID == "" || item.UserID == "" || item.Content == "" {
		return errors.New("work item: missing id, userId or content")
	}

	msgs, err := d.buildContext(ctx, item)
	if err != nil {
		return err
	}

	chunks, errs := d.provider.StreamChat(ctx, msgs)

	var full strings.Builder
	for c := range chunks {
		full.WriteString(c)
		d.sendEvent(ctx, item.ReplyToAddress, chat.StreamEvent{
			UserID:  item.UserID,
			Event:   chat.EventToken,
			Content: c,
		})
	}

	select {
	case err := <-errs:
		if err != nil {
			// no partial persist, no complete event; the client-side
			// session times out on its own
			return fmt.Errorf("generation: %w", err)
		}
	default:
	}

	reply := chat.Record{
		ID:        uuid.NewString(),
		UserID:    item.UserID,
		Role:      chat.RoleAssistant,
		Content:   full.String(),
		CreatedAt: time.Now().UTC(),
	}
	if err := d.rec.Apply(ctx, reply); err != nil {
		return err
	}
	if err := d.pub.Publish(ctx, d.replFanout, "", reply); err != nil {
		// the local copy is committed; other replicas stay behind until
		// something newer for this user broadcasts
		log.Printf("worker: broadcast id=%s failed: %v", reply.ID, err)
	}

	d.sendEvent(ctx, item.ReplyToAddress, chat.StreamEvent{
		UserID: item.UserID,
		Event:  chat.EventComplete,
	})
	return nil
}

// buildContext assembles the provider conversation from the local replica:
// last N records oldest-to-newest, then the item's turn. The triggering
// record may already be present locally (replication races the work queue),
// so it is filtered by id and appended exactly once from the item itself.
func (d *Dispatcher) buildContext(ctx context.Context, item chat.WorkItem) ([]ai.Message, error) {
	recentDesc, err := d.repo.ListRecentDesc(ctx, item.UserID, d.contextWindow)
	if err != nil {
		return nil, err
	}

	msgs := make([]ai.Message, 0, len(recentDesc)+1)
	for i := len(recentDesc) - 1; i >= 0; i-- {
		m := recentDesc[i]
		if m.ID == item.ID {
			continue
		}
		msgs = append(msgs, ai.Message{Role: m.Role, Content: m.Content})
	}
	msgs = append(msgs, ai.Message{Role: chat.RoleUser, Content: item.Content})
	return msgs, nil
}

// sendEvent is best-effort: if the destination queue is gone the owning
// instance died and the broker drops the publish. The generation is never
// failed over token delivery.
func (d *Dispatcher) sendEvent(ctx context.Context, addr string, ev chat.StreamEvent) {
	if addr == "" {
		return
	}
	if err := d.pub.Publish(ctx, "", addr, ev); err != nil {
		log.Printf("worker: stream publish user=%s dropped: %v", ev.UserID, err)
	}
}
