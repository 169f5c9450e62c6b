package handlers

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/vidforge/vidforge-backend/internal/http/response"
	"github.com/vidforge/vidforge-backend/internal/platform/apierr"
	"github.com/vidforge/vidforge-backend/internal/platform/dbctx"
	"github.com/vidforge/vidforge-backend/internal/webhook"
)

type WebhookHandler struct {
	webhooks webhook.Service
}

func NewWebhookHandler(svc webhook.Service) *WebhookHandler {
	return &WebhookHandler{webhooks: svc}
}

type createWebhookRequest struct {
	UserID     string            `json:"user_id"`
	URL        string            `json:"url"`
	Events     []string          `json:"events"`
	Headers    map[string]string `json:"headers"`
	MaxRetries int               `json:"max_retries"`
}

// POST /api/webhooks
func (h *WebhookHandler) Create(c *gin.Context) {
	var req createWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondServiceError(c, fmt.Errorf("%v: %w", err, apierr.ErrInvalidArgument))
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		response.RespondServiceError(c, fmt.Errorf("invalid user_id: %w", apierr.ErrInvalidArgument))
		return
	}

	sub, secret, err := h.webhooks.Create(dbctx.Context{Ctx: c.Request.Context()}, webhook.CreateRequest{
		UserID:     userID,
		URL:        req.URL,
		Events:     req.Events,
		Headers:    req.Headers,
		MaxRetries: req.MaxRetries,
	})
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	// The secret appears exactly once, in this response; store it now.
	response.RespondCreated(c, gin.H{"webhook": sub, "secret": secret})
}

// GET /api/webhooks?user_id=
func (h *WebhookHandler) List(c *gin.Context) {
	userID := uuid.Nil
	if raw := c.Query("user_id"); raw != "" {
		parsed, err := uuid.Parse(raw)
		if err != nil {
			response.RespondServiceError(c, fmt.Errorf("invalid user_id: %w", apierr.ErrInvalidArgument))
			return
		}
		userID = parsed
	}
	subs, err := h.webhooks.ListByUser(dbctx.Context{Ctx: c.Request.Context()}, userID)
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"webhooks": subs})
}

// GET /api/webhooks/:id
func (h *WebhookHandler) Get(c *gin.Context) {
	subID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondServiceError(c, fmt.Errorf("invalid webhook id: %w", apierr.ErrInvalidArgument))
		return
	}
	sub, err := h.webhooks.Get(dbctx.Context{Ctx: c.Request.Context()}, subID)
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"webhook": sub})
}

type updateWebhookRequest struct {
	URL        *string           `json:"url"`
	Events     []string          `json:"events"`
	Headers    map[string]string `json:"headers"`
	Status     *string           `json:"status"`
	MaxRetries *int              `json:"max_retries"`
}

// PUT /api/webhooks/:id
func (h *WebhookHandler) Update(c *gin.Context) {
	subID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondServiceError(c, fmt.Errorf("invalid webhook id: %w", apierr.ErrInvalidArgument))
		return
	}
	var req updateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondServiceError(c, fmt.Errorf("%v: %w", err, apierr.ErrInvalidArgument))
		return
	}
	sub, err := h.webhooks.Update(dbctx.Context{Ctx: c.Request.Context()}, subID, webhook.UpdateRequest{
		URL:        req.URL,
		Events:     req.Events,
		Headers:    req.Headers,
		Status:     req.Status,
		MaxRetries: req.MaxRetries,
	})
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"webhook": sub})
}

// DELETE /api/webhooks/:id
func (h *WebhookHandler) Delete(c *gin.Context) {
	subID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondServiceError(c, fmt.Errorf("invalid webhook id: %w", apierr.ErrInvalidArgument))
		return
	}
	if err := h.webhooks.Delete(dbctx.Context{Ctx: c.Request.Context()}, subID); err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"deleted": true})
}

// POST /api/webhooks/:id/rotate-secret
func (h *WebhookHandler) RotateSecret(c *gin.Context) {
	subID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondServiceError(c, fmt.Errorf("invalid webhook id: %w", apierr.ErrInvalidArgument))
		return
	}
	secret, err := h.webhooks.RotateSecret(dbctx.Context{Ctx: c.Request.Context()}, subID)
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"secret": secret})
}

// GET /api/webhooks/:id/deliveries?limit=&offset=
func (h *WebhookHandler) Deliveries(c *gin.Context) {
	subID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondServiceError(c, fmt.Errorf("invalid webhook id: %w", apierr.ErrInvalidArgument))
		return
	}
	limit := queryInt(c, "limit", 50)
	offset := queryInt(c, "offset", 0)
	deliveries, total, err := h.webhooks.Deliveries(dbctx.Context{Ctx: c.Request.Context()}, subID, limit, offset)
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{
		"deliveries": deliveries,
		"total":      total,
		"limit":      limit,
		"offset":     offset,
	})
}

// POST /api/webhooks/:id/test
func (h *WebhookHandler) SendTest(c *gin.Context) {
	subID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondServiceError(c, fmt.Errorf("invalid webhook id: %w", apierr.ErrInvalidArgument))
		return
	}
	if err := h.webhooks.SendTest(c.Request.Context(), subID); err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"sent": true})
}
