package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/web-casa/casastack/internal/apperr"
	"github.com/web-casa/casastack/internal/eventbus"
	"github.com/web-casa/casastack/internal/settings"
)

// SettingHandler manages manager settings
type SettingHandler struct {
	store *settings.Store
	bus   *eventbus.Bus
}

// NewSettingHandler creates a new SettingHandler
func NewSettingHandler(store *settings.Store, bus *eventbus.Bus) *SettingHandler {
	return &SettingHandler{store: store, bus: bus}
}

// GetAll returns all settings as a key-value map
func (h *SettingHandler) GetAll(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"settings": h.store.All()})
}

// Update updates a setting by key
func (h *SettingHandler) Update(c *gin.Context) {
	var req struct {
		Key   string `json:"key" binding:"required"`
		Value string `json:"value"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.Validation("Setting key is required"))
		return
	}
	if req.Key == settings.KeyJWTSecret {
		respondError(c, apperr.Validation("Setting %s cannot be changed", req.Key))
		return
	}
	if err := h.store.Set(req.Key, req.Value); err != nil {
		respondError(c, err)
		return
	}
	h.bus.Publish(eventbus.Event{
		Type:    eventbus.SettingChanged,
		Payload: map[string]any{"key": req.Key},
		Source:  "api",
	})
	c.JSON(http.StatusOK, gin.H{"message": "Setting updated"})
}
