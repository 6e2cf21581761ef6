package api

import (
	"artgen/internal/entity"
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ListHistory 分页返回当前用户的生成历史，新的在前。
func (h *HTTPHandler) ListHistory(c *gin.Context) {
	user := CurrentUser(c)
	if user == nil {
		Unauthorized(c, "authentication required")
		return
	}

	var query entity.HistoryQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		InvalidPayload(c)
		return
	}
	query.UserID = user.ID

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	entries, meta, err := h.repo.ListHistory(ctx, &query)
	if err != nil {
		logrus.WithError(err).WithField("user_id", user.ID).Error("failed to list history")
		InternalError(c, "failed to list history")
		return
	}

	for i := range entries {
		if entries[i].StoredPath != "" {
			entries[i].ImageURL = h.publicURL(entries[i].StoredPath)
		}
	}

	c.JSON(http.StatusOK, entity.HistoryListResponse{
		Entries: entries,
		Meta:    meta,
	})
}
