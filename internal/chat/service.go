package chat

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Publisher is the slice of the bus a front instance publishes through.
type Publisher interface {
	Publish(ctx context.Context, exchange, key string, v any) error
	PublishPersistent(ctx context.Context, exchange, key string, v any) error
}

const historyLimit = 100

// Service is the front-instance side of a chat turn: persist the user
// record, hand the turn to the worker pool, and fan the record out to every
// other instance.
type Service struct {
	repo       *Repo
	reconciler *Reconciler
	pub        Publisher

	workQueue  string
	replFanout string
	streamAddr string
}

func NewService(repo *Repo, reconciler *Reconciler, pub Publisher, workQueue, replFanout, streamAddr string) *Service {
	return &Service{
		repo:       repo,
		reconciler: reconciler,
		pub:        pub,
		workQueue:  workQueue,
		replFanout: replFanout,
		streamAddr: streamAddr,
	}
}

// Submit records a user turn and enqueues its generation. The work item
// carries this instance's stream queue so whichever worker picks it up can
// deliver tokens back here. Returns the new record id.
func (s *Service) Submit(ctx context.Context, userID, content string) (string, error) {
	if strings.TrimSpace(userID) == "" || content == "" {
		return "", errors.New("chat: userId and content required")
	}

	rec := Record{
		ID:        uuid.NewString(),
		UserID:    userID,
		Role:      RoleUser,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}

	// originator applies to its own store directly, not via its own fanout
	if err := s.reconciler.Apply(ctx, rec); err != nil {
		return "", err
	}

	item := WorkItem{
		ID:             rec.ID,
		UserID:         rec.UserID,
		Role:           rec.Role,
		Content:        rec.Content,
		CreatedAt:      rec.CreatedAt,
		ReplyToAddress: s.streamAddr,
	}
	if err := s.pub.PublishPersistent(ctx, "", s.workQueue, item); err != nil {
		return "", err
	}

	// the local copy is already committed and the turn is queued; a lost
	// broadcast only delays other replicas
	if err := s.pub.Publish(ctx, s.replFanout, "", rec); err != nil {
		log.Printf("chat: broadcast id=%s failed: %v", rec.ID, err)
	}

	return rec.ID, nil
}

// History returns the user's most recent records, newest first.
func (s *Service) History(ctx context.Context, userID string) ([]Record, error) {
	return s.repo.ListRecentDesc(ctx, userID, historyLimit)
}
