package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/web-casa/casastack/internal/stack"
)

// StackHandler is the read-only REST view of the local stacks
type StackHandler struct {
	stacks *stack.Registry
}

func NewStackHandler(stacks *stack.Registry) *StackHandler {
	return &StackHandler{stacks: stacks}
}

// List returns every stack, sorted by name
func (h *StackHandler) List(c *gin.Context) {
	stacks, err := h.stacks.Reconcile(c.Request.Context(), true)
	if err != nil {
		respondError(c, err)
		return
	}
	list := make([]stack.Simple, 0, len(stacks))
	for _, name := range stack.SortedNames(stacks) {
		list = append(list, stacks[name].ToSimple(""))
	}
	c.JSON(http.StatusOK, gin.H{"stacks": list, "total": len(list)})
}

// Get returns one stack with its compose document
func (h *StackHandler) Get(c *gin.Context) {
	st, err := h.stacks.GetStack(c.Request.Context(), c.Param("name"), false)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, st.ToFull("", ""))
}
