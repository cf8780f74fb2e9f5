package handlers

import (
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/chatrelay/chatrelay/internal/common"
	"github.com/chatrelay/chatrelay/internal/stream"
)

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

type postMessageReq struct {
	UserID  string `json:"userId" binding:"required"`
	Message string `json:"message" binding:"required"`
}

// PostMessage accepts a chat turn, persists it, enqueues generation, and
// broadcasts the record. The reply itself arrives over the SSE stream.
func (h *Handler) PostMessage(c *gin.Context) {
	var req postMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "userId and message required")
		return
	}

	if h.Limiter != nil {
		allowed, err := h.Limiter.Allow(c.Request.Context(), req.UserID, h.Cfg.SubmitRateLimit, h.Cfg.SubmitRateWindow)
		if err != nil {
			// a limiter outage must not block submits
			log.Printf("rate limiter unavailable: %v", err)
		} else if !allowed {
			common.Fail(c, http.StatusTooManyRequests, 42901, "too many requests")
			return
		}
	}

	id, err := h.ChatSvc.Submit(c.Request.Context(), req.UserID, req.Message)
	if err != nil {
		log.Printf("submit user=%s failed: %v", req.UserID, err)
		common.Fail(c, http.StatusInternalServerError, 50001, "failed to queue message")
		return
	}

	common.OK(c, gin.H{"status": "queued", "id": id})
}

// GetHistory returns the user's last 100 records, newest first.
func (h *Handler) GetHistory(c *gin.Context) {
	userID := c.Param("user_id")
	if strings.TrimSpace(userID) == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "user id required")
		return
	}

	msgs, err := h.ChatSvc.History(c.Request.Context(), userID)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50002, "failed to list messages")
		return
	}

	common.OK(c, gin.H{"messages": msgs})
}

// Stream attaches the client to this instance's routing table and relays
// routed events as SSE until completion or disconnect. A generation that
// fails upstream never produces a done event; stall detection is the
// client's job.
func (h *Handler) Stream(c *gin.Context) {
	userID := c.Param("user_id")
	if strings.TrimSpace(userID) == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "user id required")
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		common.Fail(c, http.StatusInternalServerError, 50003, "streaming unsupported")
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // helpful if behind nginx
	c.Status(http.StatusOK)

	sess := h.Table.Connect(userID)
	defer h.Table.Disconnect(userID, sess)

	// heartbeat keeps intermediaries from closing an idle stream
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	ctx := c.Request.Context()

	writeEvent(c, flusher, "", "connected")

	for {
		select {
		case ev := <-sess.Events():
			switch ev.Kind {
			case stream.KindToken:
				writeEvent(c, flusher, "message", ev.Data)
			case stream.KindDone:
				writeEvent(c, flusher, "done", "done")
				return
			}

		case <-sess.Done():
			// replaced by a newer connect, completed, or the table dropped
			// us; flush whatever was routed just before teardown
			drainSession(c, flusher, sess)
			return

		case <-ticker.C:
			writeEvent(c, flusher, "ping", fmt.Sprintf("%d", time.Now().Unix()))

		case <-ctx.Done():
			return
		}
	}
}

func drainSession(c *gin.Context, flusher http.Flusher, sess *stream.Session) {
	for {
		select {
		case ev := <-sess.Events():
			switch ev.Kind {
			case stream.KindToken:
				writeEvent(c, flusher, "message", ev.Data)
			case stream.KindDone:
				writeEvent(c, flusher, "done", "done")
				return
			}
		default:
			return
		}
	}
}

// writeEvent frames one SSE event. Payloads containing newlines become
// multiple data: lines per the SSE wire format.
func writeEvent(c *gin.Context, flusher http.Flusher, event, data string) {
	if event != "" {
		fmt.Fprintf(c.Writer, "event: %s\n", event)
	}
	for _, line := range strings.Split(data, "\n") {
		fmt.Fprintf(c.Writer, "data: %s\n", line)
	}
	fmt.Fprint(c.Writer, "\n")
	flusher.Flush()
}
