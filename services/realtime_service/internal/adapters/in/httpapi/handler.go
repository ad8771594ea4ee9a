package httpapi

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/EthanQC/pulse/pkg/zlog"
	"github.com/EthanQC/pulse/services/realtime_service/internal/domain/entity"
	"github.com/EthanQC/pulse/services/realtime_service/internal/ports/in"
)

const maxPresenceQuery = 200

type handler struct {
	delivery in.DeliveryUseCase
	query    in.PresenceQuery
}

func (h *handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *handler) stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.query.Stats(c.Request.Context()))
}

// presence GET /presence?user_id=a&user_id=b 或 ?user_id=a,b
func (h *handler) presence(c *gin.Context) {
	var ids []string
	seen := make(map[string]struct{})
	for _, v := range c.QueryArray("user_id") {
		for _, id := range strings.Split(v, ",") {
			id = strings.TrimSpace(id)
			if id == "" {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}

	switch {
	case len(ids) == 0:
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	case len(ids) > maxPresenceQuery:
		c.JSON(http.StatusBadRequest, gin.H{"error": "too many user ids"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"users": h.query.Presence(c.Request.Context(), ids)})
}

// deliverMessageRequest 协作方在消息落库后调用
type deliverMessageRequest struct {
	Message         entity.ChatMessage `json:"message"`
	OriginSessionID string             `json:"origin_session_id,omitempty"`
}

func (h *handler) deliverMessage(c *gin.Context) {
	var req deliverMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	report, err := h.delivery.DeliverChatMessage(c.Request.Context(), &req.Message, req.OriginSessionID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	zlog.C(c.Request.Context()).Debug("chat message pushed",
		zap.String("message_id", req.Message.ID),
		zap.Int("delivered", report.Delivered))
	c.JSON(http.StatusAccepted, report)
}

func (h *handler) deliverNotification(c *gin.Context) {
	var n entity.Notification
	if err := c.ShouldBindJSON(&n); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	report, err := h.delivery.DeliverNotification(c.Request.Context(), &n)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, report)
}
