package handlers

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	jobsrepo "github.com/vidforge/vidforge-backend/internal/data/repos/jobs"
	"github.com/vidforge/vidforge-backend/internal/http/response"
	"github.com/vidforge/vidforge-backend/internal/platform/apierr"
	"github.com/vidforge/vidforge-backend/internal/platform/dbctx"
	"github.com/vidforge/vidforge-backend/internal/queue"
)

type JobHandler struct {
	queue queue.Service
}

func NewJobHandler(q queue.Service) *JobHandler {
	return &JobHandler{queue: q}
}

type enqueueRequest struct {
	JobType        string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	Tags           []string        `json:"tags"`
	Priority       string          `json:"priority"`
	DelayMS        int64           `json:"delay_ms"`
	IdempotencyKey string          `json:"idempotency_key"`
	Steps          []string        `json:"steps"`
	MaxAttempts    int             `json:"max_attempts"`
	OwnerUserID    string          `json:"owner_user_id"`
}

// POST /api/queues/:queue/jobs
func (h *JobHandler) Enqueue(c *gin.Context) {
	var req enqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondServiceError(c, fmt.Errorf("%v: %w", err, apierr.ErrInvalidArgument))
		return
	}

	owner := uuid.Nil
	if req.OwnerUserID != "" {
		parsed, err := uuid.Parse(req.OwnerUserID)
		if err != nil {
			response.RespondServiceError(c, fmt.Errorf("invalid owner_user_id: %w", apierr.ErrInvalidArgument))
			return
		}
		owner = parsed
	}

	job, deduplicated, err := h.queue.Enqueue(dbctx.Context{Ctx: c.Request.Context()}, queue.EnqueueRequest{
		OwnerUserID:    owner,
		Queue:          c.Param("queue"),
		JobType:        req.JobType,
		Payload:        req.Payload,
		Tags:           req.Tags,
		Priority:       req.Priority,
		Delay:          time.Duration(req.DelayMS) * time.Millisecond,
		IdempotencyKey: req.IdempotencyKey,
		Steps:          req.Steps,
		MaxAttempts:    req.MaxAttempts,
	})
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}

	body := gin.H{"job": job, "deduplicated": deduplicated}
	if deduplicated {
		response.RespondOK(c, body)
		return
	}
	response.RespondCreated(c, body)
}

// GET /api/jobs/:id
func (h *JobHandler) Get(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondServiceError(c, fmt.Errorf("invalid job id: %w", apierr.ErrInvalidArgument))
		return
	}
	job, err := h.queue.Get(dbctx.Context{Ctx: c.Request.Context()}, jobID)
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"job": job})
}

// GET /api/jobs?queue=&type=&state=&tag=&limit=&offset=
func (h *JobHandler) List(c *gin.Context) {
	filter := jobsrepo.ListFilter{
		Queue:   c.Query("queue"),
		JobType: c.Query("type"),
		State:   c.Query("state"),
		Tag:     c.Query("tag"),
		Limit:   queryInt(c, "limit", 50),
		Offset:  queryInt(c, "offset", 0),
	}
	if owner := c.Query("owner_user_id"); owner != "" {
		parsed, err := uuid.Parse(owner)
		if err != nil {
			response.RespondServiceError(c, fmt.Errorf("invalid owner_user_id: %w", apierr.ErrInvalidArgument))
			return
		}
		filter.OwnerUserID = parsed
	}

	jobs, total, err := h.queue.List(dbctx.Context{Ctx: c.Request.Context()}, filter)
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{
		"jobs":   jobs,
		"total":  total,
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

// POST /api/jobs/:id/cancel
func (h *JobHandler) Cancel(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondServiceError(c, fmt.Errorf("invalid job id: %w", apierr.ErrInvalidArgument))
		return
	}
	job, err := h.queue.Cancel(dbctx.Context{Ctx: c.Request.Context()}, jobID)
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"job": job})
}

func queryInt(c *gin.Context, name string, def int) int {
	v := c.Query(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
