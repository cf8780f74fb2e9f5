package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/chatrelay/chatrelay/internal/ai"
	"github.com/chatrelay/chatrelay/internal/bus"
	"github.com/chatrelay/chatrelay/internal/chat"
	"github.com/chatrelay/chatrelay/internal/config"
	"github.com/chatrelay/chatrelay/internal/db"
	"github.com/chatrelay/chatrelay/internal/worker"
)

func workerConcurrency() int {
	v := os.Getenv("WORKER_CONCURRENCY")
	if v == "" {
		return 2
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 2
	}
	if n > 50 {
		return 50
	}
	return n
}

func buildProvider(ctx context.Context, cfg config.Config) (ai.Provider, error) {
	reg := ai.NewRegistry()
	reg.Register("ollama", func(ctx context.Context, model string) (ai.Provider, error) {
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OllamaModel
		}
		return ai.NewOllamaProvider(cfg.OllamaBaseURL, m), nil
	})
	reg.Register("openai", func(ctx context.Context, model string) (ai.Provider, error) {
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OpenAIModel
		}
		return ai.NewOpenAIProvider(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, m), nil
	})
	return reg.Get(ctx, cfg.AIProvider, "")
}

func main() {
	cfg := config.Load()

	gdb := db.Connect(cfg.DBDSN)
	repo := chat.NewRepo(gdb)
	reconciler := chat.NewReconciler(repo)

	b, err := bus.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("rabbit dial: %v", err)
	}
	defer b.Close()

	if err := b.DeclareWorkQueue(cfg.ProcessQueue); err != nil {
		log.Fatalf("declare work queue: %v", err)
	}
	if err := b.DeclareFanout(cfg.ReplicationFanout); err != nil {
		log.Fatalf("declare fanout: %v", err)
	}

	// workers replicate too: their local copy is the generation context
	ident, err := bus.NewReplicationIdentity(b, cfg.ReplicationPrefix, cfg.ReplicationFanout)
	if err != nil {
		log.Fatalf("declare instance queues: %v", err)
	}
	if err := b.Subscribe(ident.ReplicationQueue, reconciler.HandleBroadcast); err != nil {
		log.Fatalf("subscribe replication: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider, err := buildProvider(ctx, cfg)
	if err != nil {
		log.Fatalf("ai provider: %v", err)
	}

	dispatcher := worker.NewDispatcher(repo, reconciler, provider, b, cfg.ReplicationFanout, cfg.ChatContextWindowSize)

	concurrency := workerConcurrency()
	msgs, err := b.Consume(cfg.ProcessQueue, concurrency)
	if err != nil {
		log.Fatalf("consume: %v", err)
	}

	log.Printf("workerd started queue=%s concurrency=%d provider=%s", cfg.ProcessQueue, concurrency, cfg.AIProvider)

	// worker pool
	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				start := time.Now()
				if err := dispatcher.Handle(ctx, d.Body); err != nil {
					log.Printf("worker=%d item failed cost=%s err=%v", workerID, time.Since(start), err)
					_ = d.Nack(false, false)
					continue
				}
				if err := d.Ack(false); err != nil {
					log.Printf("worker=%d ack failed err=%v", workerID, err)
				}
			}
		}(i)
	}

	for {
		select {
		case <-ctx.Done():
			log.Printf("workerd shutting down")
			close(jobs)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				log.Printf("delivery channel closed")
				time.Sleep(1 * time.Second)
				continue
			}
			jobs <- d
		}
	}
}
