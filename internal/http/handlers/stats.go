package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/vidforge/vidforge-backend/internal/http/response"
	"github.com/vidforge/vidforge-backend/internal/stats"
)

type StatsHandler struct {
	stats *stats.Aggregator
}

func NewStatsHandler(agg *stats.Aggregator) *StatsHandler {
	return &StatsHandler{stats: agg}
}

// GET /api/queues/stats
//
// Serves the latest rollups; they can lag reality by up to one aggregator
// interval.
func (h *StatsHandler) List(c *gin.Context) {
	rows, err := h.stats.List(c.Request.Context())
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"queues": rows})
}
