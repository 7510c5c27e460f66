package api

import (
	"net/http"

	authDelivery "inbox-agent/internal/auth/delivery"
	authUsecase "inbox-agent/internal/auth/usecase"
	digestDelivery "inbox-agent/internal/digest/delivery"
	messageDelivery "inbox-agent/internal/message/delivery"
	taskDelivery "inbox-agent/internal/task/delivery"

	"github.com/gin-gonic/gin"
)

// Handlers groups the delivery handlers the admin API serves. A nil handler
// leaves its routes out.
type Handlers struct {
	Messages *messageDelivery.MessageHandler
	Tasks    *taskDelivery.TaskHandler
	Digest   *digestDelivery.DigestHandler
	Devices  *authDelivery.DeviceHandler
}

func SetupRoutes(r *gin.Engine, authUsecase authUsecase.AuthUsecase, h Handlers) {
	api := r.Group("/api")
	{
		// Health check (no auth required)
		api.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		})

		protected := api.Group("")
		protected.Use(authDelivery.AuthMiddleware(authUsecase))

		if h.Messages != nil {
			messages := protected.Group("/messages")
			{
				messages.GET("", h.Messages.ListMessages)
				messages.GET("/:id", h.Messages.GetMessage)
				messages.POST("/:id/retry", h.Messages.RetryMessage)
			}
		}

		if h.Tasks != nil {
			tasks := protected.Group("/tasks")
			{
				tasks.GET("", h.Tasks.GetTasks)
				tasks.GET("/:id", h.Tasks.GetTaskByID)
				tasks.POST("/:id/confirm", h.Tasks.ConfirmTask)
				tasks.POST("/:id/decline", h.Tasks.DeclineTask)
			}
		}

		if h.Digest != nil {
			protected.GET("/digest", h.Digest.PreviewDigest)
			protected.POST("/digest", h.Digest.SendDigest)
		}

		if h.Devices != nil {
			devices := protected.Group("/devices")
			{
				devices.GET("", h.Devices.ListDevices)
				devices.POST("", h.Devices.RegisterDevice)
				devices.DELETE("/:token", h.Devices.UnregisterDevice)
			}
		}
	}
}
