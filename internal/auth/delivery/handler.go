package delivery

import (
	"net/http"

	"inbox-agent/internal/auth/repository"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// DeviceHandler manages the push tokens alerts are delivered to.
type DeviceHandler struct {
	devices repository.DeviceRepository
	log     *zap.Logger
}

func NewDeviceHandler(devices repository.DeviceRepository, log *zap.Logger) *DeviceHandler {
	return &DeviceHandler{devices: devices, log: log.Named("devices")}
}

type RegisterDeviceRequest struct {
	Token string `json:"token" binding:"required"`
	Label string `json:"label"`
}

// RegisterDevice POST /api/devices
func (h *DeviceHandler) RegisterDevice(c *gin.Context) {
	var req RegisterDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.devices.Save(c.Request.Context(), req.Token, req.Label); err != nil {
		h.log.Error("register device", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to register device"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": "device registered"})
}

// UnregisterDevice DELETE /api/devices/:token
func (h *DeviceHandler) UnregisterDevice(c *gin.Context) {
	deleted, err := h.devices.Delete(c.Request.Context(), c.Param("token"))
	if err != nil {
		h.log.Error("unregister device", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to unregister device"})
		return
	}
	if !deleted {
		c.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

// ListDevices GET /api/devices
func (h *DeviceHandler) ListDevices(c *gin.Context) {
	devices, err := h.devices.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"devices": devices, "total": len(devices)})
}
