package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chatrelay/chatrelay/internal/bus"
	"github.com/chatrelay/chatrelay/internal/chat"
	"github.com/chatrelay/chatrelay/internal/config"
	"github.com/chatrelay/chatrelay/internal/db"
	"github.com/chatrelay/chatrelay/internal/httpapi"
	"github.com/chatrelay/chatrelay/internal/store/redisstore"
	"github.com/chatrelay/chatrelay/internal/stream"
)

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

	ident, err := bus.NewIdentity(b, cfg.ReplicationPrefix, cfg.ReplicationFanout, cfg.StreamPrefix)
	if err != nil {
		log.Fatalf("declare instance queues: %v", err)
	}

	table := stream.NewTable()
	listener := stream.NewListener(table)

	if err := b.Subscribe(ident.ReplicationQueue, reconciler.HandleBroadcast); err != nil {
		log.Fatalf("subscribe replication: %v", err)
	}
	if err := b.Subscribe(ident.StreamQueue, listener.HandleEvent); err != nil {
		log.Fatalf("subscribe stream: %v", err)
	}

	svc := chat.NewService(repo, reconciler, b, cfg.ProcessQueue, cfg.ReplicationFanout, ident.StreamQueue)

	limiter := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer limiter.Close()

	r := httpapi.NewRouter(cfg, svc, table, limiter)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("frontd listening addr=%s stream_queue=%s", cfg.HTTPAddr, ident.StreamQueue)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http serve: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("frontd shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
}
