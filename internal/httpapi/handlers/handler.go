package handlers

import (
	"context"
	"time"

	"github.com/chatrelay/chatrelay/internal/chat"
	"github.com/chatrelay/chatrelay/internal/config"
	"github.com/chatrelay/chatrelay/internal/stream"
)

// Limiter gates message submits per user. Satisfied by redisstore.Store.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

type Handler struct {
	Cfg     config.Config
	ChatSvc *chat.Service
	Table   *stream.Table
	Limiter Limiter
}

func NewHandler(cfg config.Config, svc *chat.Service, table *stream.Table, limiter Limiter) *Handler {
	return &Handler{
		Cfg:     cfg,
		ChatSvc: svc,
		Table:   table,
		Limiter: limiter,
	}
}
