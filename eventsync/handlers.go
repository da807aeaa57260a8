package eventsync

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"bitbucket.org/mmdatafocus/books_sync/config"
	"bitbucket.org/mmdatafocus/books_sync/models"
	"bitbucket.org/mmdatafocus/books_sync/utils"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const (
	TriggerManual = "manual"
	TriggerPubSub = "pubsub"
	TriggerResume = "resume"
)

type publishRequest struct {
	Type    models.EventKind `json:"type" binding:"required"`
	Payload json.RawMessage  `json:"payload" binding:"required"`
}

type accountRequest struct {
	AccountId string `json:"accountId" binding:"required"`
}

// RegisterRoutes mounts the control API on r.
func RegisterRoutes(r gin.IRouter, e *Engine) {
	api := r.Group("/api/sync")
	api.GET("/status", statusHandler(e))
	api.POST("/publish", publishHandler(e))
	api.POST("/down", syncDownHandler(e))
	api.POST("/retry", retryHandler(e))
	api.POST("/reset", resetHandler(e))
	api.POST("/restore", restoreHandler(e))
	api.POST("/snapshot", snapshotHandler(e))
	api.POST("/logout", logoutHandler(e))
	r.POST("/pubsub/sync-nudge", nudgeHandler(e))
}

func progressLogger(e *Engine, funcName string) Progress {
	return func(message string, fraction float64) {
		e.logger.WithFields(logrus.Fields{
			"module":   "eventsync",
			"funcName": funcName,
			"fraction": fraction,
		}).Debug(message)
	}
}

func statusHandler(e *Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		st, err := e.Status(c.Request.Context())
		if err != nil {
			config.LogError(e.logger, "eventsync", "statusHandler", "load status", nil, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, st)
	}
}

func publishHandler(e *Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req publishRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "fields": utils.ProcessValidationErrors(err)})
			return
		}
		if !req.Type.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown event type " + string(req.Type)})
			return
		}
		delivered := e.Publish(c.Request.Context(), req.Type, req.Payload)
		c.JSON(http.StatusAccepted, gin.H{
			"delivered":      delivered,
			"pendingUploads": e.PendingQueueLength(c.Request.Context()),
		})
	}
}

func syncDownHandler(e *Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		trigger := c.DefaultQuery("trigger", TriggerManual)
		ctx := utils.SetSyncTriggerInContext(c.Request.Context(), trigger)
		res := e.SyncDown(ctx, progressLogger(e, "syncDownHandler"))
		status := http.StatusOK
		if !res.Success {
			status = http.StatusBadGateway
			if res.Error == ErrSyncInProgress.Error() {
				status = http.StatusConflict
			}
		}
		c.JSON(status, res)
	}
}

func retryHandler(e *Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, e.RetryQueue(c.Request.Context()))
	}
}

func resetHandler(e *Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := e.ResetSyncState(c.Request.Context()); err != nil {
			c.JSON(lockStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func restoreHandler(e *Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req accountRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "accountId is required"})
			return
		}
		res := e.ForceRestore(c.Request.Context(), req.AccountId, progressLogger(e, "restoreHandler"))
		status := http.StatusOK
		if !res.Success {
			status = http.StatusBadGateway
		}
		c.JSON(status, res)
	}
}

func snapshotHandler(e *Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req accountRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "accountId is required"})
			return
		}
		if err := e.CreateSnapshot(c.Request.Context(), req.AccountId); err != nil {
			config.LogError(e.logger, "eventsync", "snapshotHandler", "create snapshot", req.AccountId, err)
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func logoutHandler(e *Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := e.Logout(c.Request.Context()); err != nil {
			c.JSON(lockStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func lockStatus(err error) int {
	if errors.Is(err, ErrSyncInProgress) {
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// nudgeHandler runs a sync pass when another device reports a new event.
// Malformed deliveries are acked so pub/sub does not redeliver them; a failed
// pass is nacked with 500 to get a retry.
func nudgeHandler(e *Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			config.LogError(e.logger, "eventsync", "nudgeHandler", "io.ReadAll", nil, err)
			c.Status(http.StatusNoContent)
			return
		}
		var msg PushMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			config.LogError(e.logger, "eventsync", "nudgeHandler", "Unmarshal body", string(body), err)
			c.Status(http.StatusNoContent)
			return
		}
		var nudge Nudge
		if err := json.Unmarshal(msg.Message.Data, &nudge); err != nil {
			config.LogError(e.logger, "eventsync", "nudgeHandler", "Unmarshal nudge", string(msg.Message.Data), err)
			c.Status(http.StatusNoContent)
			return
		}

		self, err := e.state.DeviceId(ctx)
		if err == nil && nudge.DeviceId == self {
			c.Status(http.StatusNoContent)
			return
		}

		ctx = utils.SetSyncTriggerInContext(ctx, TriggerPubSub)
		ctx = utils.SetCorrelationIdInContext(ctx, msg.Message.ID)
		res := e.SyncDown(ctx, nil)
		if !res.Success && res.Error != ErrSyncInProgress.Error() {
			e.logger.WithFields(logrus.Fields{
				"module":     "eventsync",
				"funcName":   "nudgeHandler",
				"message_id": msg.Message.ID,
				"event_id":   nudge.EventId,
				"event_type": nudge.Type,
			}).Error("sync after nudge failed: " + res.Error)
			c.Status(http.StatusInternalServerError)
			return
		}
		c.Status(http.StatusNoContent)
	}
}
