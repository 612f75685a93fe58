package handler

import (
	"net/http"
	"runtime"

	"github.com/gin-gonic/gin"

	"github.com/web-casa/casastack/internal/stack"
)

// Version is the manager version reported to clients and peers.
const Version = "1.5.0"

// DashboardHandler reports health and host statistics
type DashboardHandler struct {
	stacks *stack.Registry
	docker Docker
}

func NewDashboardHandler(stacks *stack.Registry, docker Docker) *DashboardHandler {
	return &DashboardHandler{stacks: stacks, docker: docker}
}

// Health is the unauthenticated liveness probe
func (h *DashboardHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "version": Version})
}

// System returns stack counts and daemon information
func (h *DashboardHandler) System(c *gin.Context) {
	stacks, err := h.stacks.StackList(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	byStatus := make(map[string]int)
	managed := 0
	for _, st := range stacks {
		byStatus[st.Status.String()]++
		if st.Managed {
			managed++
		}
	}

	resp := gin.H{
		"stacks": gin.H{
			"total":     len(stacks),
			"managed":   managed,
			"by_status": byStatus,
		},
		"system": gin.H{
			"version":    Version,
			"go_version": runtime.Version(),
			"go_os":      runtime.GOOS,
			"go_arch":    runtime.GOARCH,
		},
	}

	if h.docker != nil {
		if info, err := h.docker.Info(c.Request.Context()); err == nil {
			resp["docker"] = info
		} else {
			resp["docker"] = gin.H{"error": err.Error()}
		}
	}
	c.JSON(http.StatusOK, resp)
}
