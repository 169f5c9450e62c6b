package handlers

import (
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	jobsrepo "github.com/vidforge/vidforge-backend/internal/data/repos/jobs"
	"github.com/vidforge/vidforge-backend/internal/http/response"
	"github.com/vidforge/vidforge-backend/internal/platform/apierr"
	"github.com/vidforge/vidforge-backend/internal/platform/dbctx"
	"github.com/vidforge/vidforge-backend/internal/queue"
)

type DeadLetterHandler struct {
	queue queue.Service
}

func NewDeadLetterHandler(q queue.Service) *DeadLetterHandler {
	return &DeadLetterHandler{queue: q}
}

// GET /api/dead-letter?queue=&include_replayed=&limit=&offset=
func (h *DeadLetterHandler) List(c *gin.Context) {
	filter := jobsrepo.ArchiveFilter{
		Queue:           c.Query("queue"),
		IncludeReplayed: strings.EqualFold(c.Query("include_replayed"), "true"),
		Limit:           queryInt(c, "limit", 50),
		Offset:          queryInt(c, "offset", 0),
	}
	entries, total, err := h.queue.ListDeadLetter(dbctx.Context{Ctx: c.Request.Context()}, filter)
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{
		"entries": entries,
		"total":   total,
		"limit":   filter.Limit,
		"offset":  filter.Offset,
	})
}

// POST /api/dead-letter/:id/replay
func (h *DeadLetterHandler) Replay(c *gin.Context) {
	entryID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondServiceError(c, fmt.Errorf("invalid archive id: %w", apierr.ErrInvalidArgument))
		return
	}
	job, err := h.queue.ReplayDeadLetter(dbctx.Context{Ctx: c.Request.Context()}, entryID)
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondCreated(c, gin.H{"job": job})
}
