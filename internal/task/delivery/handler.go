package delivery

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"inbox-agent/internal/apperr"
	"inbox-agent/internal/task/domain"
	"inbox-agent/internal/task/repository"
	"inbox-agent/internal/task/scheduler"

	"github.com/gin-gonic/gin"
)

// Confirmer settles calendar effects proposed to the user.
type Confirmer interface {
	Confirm(ctx context.Context, id string) (*domain.Task, error)
	Decline(ctx context.Context, id string) (*domain.Task, error)
}

// TaskHandler exposes the task ledger and the answers to proposals.
type TaskHandler struct {
	tasks     repository.TaskRepository
	confirmer Confirmer
}

// NewTaskHandler creates a new TaskHandler. Without a confirmer the
// confirm and decline routes answer 503.
func NewTaskHandler(tasks repository.TaskRepository, confirmer Confirmer) *TaskHandler {
	return &TaskHandler{
		tasks:     tasks,
		confirmer: confirmer,
	}
}

// GetTasks returns ledger rows, newest first
// GET /api/tasks?status=pending&kind=reminder&message_id=...&limit=50&offset=0
func (h *TaskHandler) GetTasks(c *gin.Context) {
	status := domain.TaskStatus(c.Query("status"))
	if status != "" && !status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status " + string(status)})
		return
	}
	kind := domain.Kind(c.Query("kind"))
	if kind != "" && !kind.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown kind " + string(kind)})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	tasks, total, err := h.tasks.List(c.Request.Context(), repository.Filter{
		Status:    status,
		Kind:      kind,
		MessageID: c.Query("message_id"),
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"tasks": tasks,
		"total": total,
	})
}

// GetTaskByID returns a specific ledger row
// GET /api/tasks/:id
func (h *TaskHandler) GetTaskByID(c *gin.Context) {
	task, err := h.tasks.FindByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if task == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
		return
	}

	c.JSON(http.StatusOK, task)
}

// ConfirmTask performs a proposed calendar effect
// POST /api/tasks/:id/confirm
func (h *TaskHandler) ConfirmTask(c *gin.Context) {
	if h.confirmer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "confirmations are not served by this process"})
		return
	}
	h.answer(c, h.confirmer.Confirm)
}

// DeclineTask drops a proposed calendar effect
// POST /api/tasks/:id/decline
func (h *TaskHandler) DeclineTask(c *gin.Context) {
	if h.confirmer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "confirmations are not served by this process"})
		return
	}
	h.answer(c, h.confirmer.Decline)
}

func (h *TaskHandler) answer(c *gin.Context, fn func(ctx context.Context, id string) (*domain.Task, error)) {
	task, err := fn(c.Request.Context(), c.Param("id"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, task)
	case errors.Is(err, scheduler.ErrTaskNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
	case errors.Is(err, scheduler.ErrNotAwaiting):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case apperr.Is(err, apperr.KindConfiguration):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
