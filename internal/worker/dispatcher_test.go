package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/chatrelay/chatrelay/internal/ai"
	"github.com/chatrelay/chatrelay/internal/chat"
)

type fakeProvider struct {
	chunks []string
	err    error
	last   []ai.Message
}

func (p *fakeProvider) StreamChat(ctx context.Context, messages []ai.Message) (<-chan string, <-chan error) {
	_ = ctx
	p.last = append([]ai.Message(nil), messages...)

	chunks := make(chan string, len(p.chunks))
	errs := make(chan error, 1)
	for _, c := range p.chunks {
		chunks <- c
	}
	if p.err != nil {
		errs <- p.err
	}
	close(chunks)
	close(errs)
	return chunks, errs
}

type pubCall struct {
	exchange string
	key      string
	v        any
}

type recordingPublisher struct {
	calls []pubCall
}

func (p *recordingPublisher) Publish(ctx context.Context, exchange, key string, v any) error {
	_ = ctx
	p.calls = append(p.calls, pubCall{exchange: exchange, key: key, v: v})
	return nil
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(gormsqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&chat.Record{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func workItemBody(t *testing.T, item chat.WorkItem) []byte {
	t.Helper()
	b, err := json.Marshal(item)
	if err != nil {
		t.Fatalf("marshal work item: %v", err)
	}
	return b
}

func TestHandle_StreamsPersistsAndBroadcasts(t *testing.T) {
	db := openTestDB(t)
	repo := chat.NewRepo(db)
	rc := chat.NewReconciler(repo)
	prov := &fakeProvider{chunks: []string{"Hi", " there"}}
	pub := &recordingPublisher{}

	d := NewDispatcher(repo, rc, prov, pub, "repl.x", 100)

	item := chat.WorkItem{
		ID:             "w-hello-1",
		UserID:         "u1",
		Role:           chat.RoleUser,
		Content:        "hello",
		CreatedAt:      time.Now().UTC(),
		ReplyToAddress: "Q1",
	}
	if err := d.Handle(context.Background(), workItemBody(t, item)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	// provider context ends with the submitted turn
	if len(prov.last) == 0 {
		t.Fatalf("provider received no context")
	}
	last := prov.last[len(prov.last)-1]
	if last.Role != chat.RoleUser || last.Content != "hello" {
		t.Fatalf("unexpected final context turn: %+v", last)
	}

	// token, token, broadcast, complete
	if len(pub.calls) != 4 {
		t.Fatalf("expected 4 publishes, got %d: %+v", len(pub.calls), pub.calls)
	}

	for i, want := range []string{"Hi", " there"} {
		call := pub.calls[i]
		if call.exchange != "" || call.key != "Q1" {
			t.Fatalf("token %d routed to %q/%q", i, call.exchange, call.key)
		}
		ev, ok := call.v.(chat.StreamEvent)
		if !ok {
			t.Fatalf("token payload is %T", call.v)
		}
		if ev.Event != chat.EventToken || ev.Content != want || ev.UserID != "u1" {
			t.Fatalf("unexpected token event %d: %+v", i, ev)
		}
	}

	bcast := pub.calls[2]
	if bcast.exchange != "repl.x" || bcast.key != "" {
		t.Fatalf("broadcast routed to %q/%q", bcast.exchange, bcast.key)
	}
	rec, ok := bcast.v.(chat.Record)
	if !ok {
		t.Fatalf("broadcast payload is %T", bcast.v)
	}
	if rec.Role != chat.RoleAssistant || rec.Content != "Hi there" || rec.UserID != "u1" {
		t.Fatalf("unexpected broadcast record: %+v", rec)
	}

	done := pub.calls[3]
	ev, ok := done.v.(chat.StreamEvent)
	if !ok || done.key != "Q1" {
		t.Fatalf("unexpected final publish: %+v", done)
	}
	if ev.Event != chat.EventComplete {
		t.Fatalf("expected complete, got %+v", ev)
	}

	// the assembled reply is persisted locally
	stored, err := repo.GetByID(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("stored reply: %v", err)
	}
	if stored.Content != "Hi there" || stored.Role != chat.RoleAssistant {
		t.Fatalf("unexpected stored reply: %+v", stored)
	}
}

func TestHandle_ExcludesTriggeringRecordFromHistory(t *testing.T) {
	db := openTestDB(t)
	repo := chat.NewRepo(db)
	rc := chat.NewReconciler(repo)
	prov := &fakeProvider{chunks: []string{"ok"}}
	pub := &recordingPublisher{}

	d := NewDispatcher(repo, rc, prov, pub, "repl.x", 100)

	// the triggering turn already replicated to this worker's store
	now := time.Now().UTC()
	seed := []chat.Record{
		{ID: "ctx-old", UserID: "u-ctx", Role: chat.RoleAssistant, Content: "earlier reply", CreatedAt: now.Add(-time.Minute)},
		{ID: "ctx-trigger", UserID: "u-ctx", Role: chat.RoleUser, Content: "hello again", CreatedAt: now},
	}
	for i := range seed {
		if err := repo.Insert(context.Background(), &seed[i]); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	item := chat.WorkItem{
		ID:             "ctx-trigger",
		UserID:         "u-ctx",
		Role:           chat.RoleUser,
		Content:        "hello again",
		CreatedAt:      now,
		ReplyToAddress: "Q1",
	}
	if err := d.Handle(context.Background(), workItemBody(t, item)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	// earlier reply + the turn itself, exactly once
	if len(prov.last) != 2 {
		t.Fatalf("expected 2 context turns, got %d: %+v", len(prov.last), prov.last)
	}
	if prov.last[0].Content != "earlier reply" || prov.last[1].Content != "hello again" {
		t.Fatalf("unexpected context: %+v", prov.last)
	}
}

func TestHandle_GenerationErrorPersistsNothing(t *testing.T) {
	db := openTestDB(t)
	repo := chat.NewRepo(db)
	rc := chat.NewReconciler(repo)
	prov := &fakeProvider{chunks: []string{"par", "tial"}, err: errors.New("upstream closed")}
	pub := &recordingPublisher{}

	d := NewDispatcher(repo, rc, prov, pub, "repl.x", 100)

	item := chat.WorkItem{
		ID:             "w-fail-1",
		UserID:         "u-fail",
		Role:           chat.RoleUser,
		Content:        "hello",
		CreatedAt:      time.Now().UTC(),
		ReplyToAddress: "Q1",
	}
	if err := d.Handle(context.Background(), workItemBody(t, item)); err == nil {
		t.Fatalf("expected generation error")
	}

	// tokens already sent are fine, but no broadcast and no complete
	for _, call := range pub.calls {
		if call.exchange == "repl.x" {
			t.Fatalf("partial reply was broadcast: %+v", call)
		}
		if ev, ok := call.v.(chat.StreamEvent); ok && ev.Event == chat.EventComplete {
			t.Fatalf("complete sent after failed generation")
		}
	}

	var count int64
	if err := db.Model(&chat.Record{}).Where("user_id = ? AND role = ?", "u-fail", chat.RoleAssistant).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("partial assistant record persisted")
	}
}

func TestHandle_RejectsMalformedItems(t *testing.T) {
	db := openTestDB(t)
	repo := chat.NewRepo(db)
	rc := chat.NewReconciler(repo)
	d := NewDispatcher(repo, rc, &fakeProvider{}, &recordingPublisher{}, "repl.x", 100)

	if err := d.Handle(context.Background(), []byte("not json")); err == nil {
		t.Fatalf("expected error for bad json")
	}
	if err := d.Handle(context.Background(), []byte(`{"id":"","userId":"u1","content":"x"}`)); err == nil {
		t.Fatalf("expected error for missing id")
	}
}
