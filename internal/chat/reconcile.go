package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log"

	"gorm.io/gorm"
)

// Reconciler merges replicated records into the local store with a
// last-writer-wins rule per record id. The merge is idempotent and
// order-independent: the copy with the latest CreatedAt always survives,
// and an equal timestamp never overwrites the stored copy.
type Reconciler struct {
	repo *Repo
}

func NewReconciler(repo *Repo) *Reconciler {
	return &Reconciler{repo: repo}
}

// Apply merges one record. The node that originates a record calls this
// directly instead of waiting for its own fanout delivery.
func (rc *Reconciler) Apply(ctx context.Context, rec Record) error {
	for {
		existing, err := rc.repo.GetByID(ctx, rec.ID)
		if err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			inserted, err := rc.repo.InsertIgnoreConflict(ctx, &rec)
			if err != nil {
				return err
			}
			if inserted {
				return nil
			}
			// a concurrent Apply inserted the row first; re-read and
			// fall through to the timestamp comparison
			continue
		}

		// strictly newer wins; older or equal is discarded
		if !rec.CreatedAt.After(existing.CreatedAt) {
			return nil
		}

		existing.UserID = rec.UserID
		existing.Role = rec.Role
		existing.Content = rec.Content
		existing.CreatedAt = rec.CreatedAt
		return rc.repo.Save(ctx, existing)
	}
}

// HandleBroadcast is the bus handler for this instance's replication queue.
// Malformed payloads are logged and dropped; replication never fails a
// subscription.
func (rc *Reconciler) HandleBroadcast(body []byte) {
	var rec Record
	if err := json.Unmarshal(body, &rec); err != nil {
		log.Printf("replication: bad payload: %v", err)
		return
	}
	if rec.ID == "" || rec.UserID == "" || rec.CreatedAt.IsZero() {
		log.Printf("replication: incomplete payload id=%q user=%q", rec.ID, rec.UserID)
		return
	}
	if err := rc.Apply(context.Background(), rec); err != nil {
		log.Printf("replication: apply id=%s failed: %v", rec.ID, err)
	}
}
