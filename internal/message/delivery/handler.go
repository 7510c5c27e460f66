package delivery

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"inbox-agent/internal/message/domain"
	"inbox-agent/internal/message/repository"
	pipelineusecase "inbox-agent/internal/pipeline/usecase"
	taskdomain "inbox-agent/internal/task/domain"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Retrier resumes a failed message.
type Retrier interface {
	Retry(ctx context.Context, id string) error
}

// TaskLister reads the ledger rows of a message.
type TaskLister interface {
	ListByMessage(ctx context.Context, messageID string) ([]*taskdomain.Task, error)
}

// MessageHandler exposes the message store to operators.
type MessageHandler struct {
	messages repository.MessageRepository
	tasks    TaskLister
	retrier  Retrier
	log      *zap.Logger
}

func NewMessageHandler(messages repository.MessageRepository, tasks TaskLister, retrier Retrier, log *zap.Logger) *MessageHandler {
	return &MessageHandler{messages: messages, tasks: tasks, retrier: retrier, log: log.Named("messages")}
}

// ListMessages returns messages, most recently updated first
// GET /api/messages?state=failed&account=me@example.com&limit=50&offset=0
func (h *MessageHandler) ListMessages(c *gin.Context) {
	state := domain.LifecycleState(c.Query("state"))
	if state != "" && !state.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown state " + string(state)})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit > 200 {
		limit = 200
	}

	msgs, total, err := h.messages.List(c.Request.Context(), repository.Filter{
		AccountID: c.Query("account"),
		State:     state,
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"messages": msgs,
		"total":    total,
	})
}

// GetMessage returns a message with its state history and ledger rows
// GET /api/messages/:id
func (h *MessageHandler) GetMessage(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	msg, err := h.messages.FindByID(ctx, id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if msg == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Message not found"})
		return
	}
	transitions, err := h.messages.Transitions(ctx, id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	tasks, err := h.tasks.ListByMessage(ctx, id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":     msg,
		"transitions": transitions,
		"tasks":       tasks,
	})
}

// RetryMessage moves a failed message back into the pipeline
// POST /api/messages/:id/retry
func (h *MessageHandler) RetryMessage(c *gin.Context) {
	id := c.Param("id")
	err := h.retrier.Retry(c.Request.Context(), id)
	switch {
	case err == nil:
		h.log.Info("retry requested", zap.String("message_id", id))
		c.JSON(http.StatusAccepted, gin.H{"message": "retry scheduled"})
	case errors.Is(err, pipelineusecase.ErrMessageNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Message not found"})
	case errors.Is(err, pipelineusecase.ErrNotFailed):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, repository.ErrStateConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
