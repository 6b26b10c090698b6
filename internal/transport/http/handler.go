package http

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/richardliu001/event-service/internal/service"
	"github.com/richardliu001/event-service/internal/syncer"
)

const readyTimeout = 2 * time.Second

// Services bundles what the handlers call.
type Services struct {
	Events  *service.EventService
	Metrics *service.MetricsService
	// Ready checks backing stores for /ready; nil means always ready.
	Ready func(ctx context.Context) error
	// SyncStats feeds /health; nil omits the counters.
	SyncStats func() syncer.Stats
}

func RegisterHandlers(r *gin.Engine, svc Services, log *zap.SugaredLogger) {
	r.GET("/health", healthHandler(svc))
	r.GET("/ready", readyHandler(svc, log))

	v1 := r.Group("/v1")
	{
		v1.GET("/events", listHandler(svc.Events, log))
		v1.POST("/events", createHandler(svc.Events, log))
		v1.POST("/events/bulk", bulkHandler(svc.Events, log))
		v1.GET("/events/count-by-metric", countByMetricHandler(svc.Metrics, log))
		v1.GET("/events/profile-attributes", profileAttributesHandler(svc.Metrics, log))
		v1.GET("/events/:id", getHandler(svc.Events, log))
		v1.PATCH("/events/:id", updateHandler(svc.Events, log))
		v1.DELETE("/events/:id", deleteHandler(svc.Events, log))
	}
}

func listHandler(svc *service.EventService, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		// unparsable page/limit fall back to the defaults
		page, _ := strconv.Atoi(c.Query("page"))
		limit, _ := strconv.Atoi(c.Query("limit"))
		p, err := svc.ListEvents(c, service.ListQuery{
			EventName: c.Query("eventName"),
			ProfileID: c.Query("profileId"),
			Page:      page,
			Limit:     limit,
		})
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, p)
	}
}

func createHandler(svc *service.EventService, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req service.CreateEventInput
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid JSON body: "+err.Error())
			return
		}
		e, err := svc.CreateEvent(c, req)
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusCreated, e)
	}
}

type bulkReq struct {
	Events []service.CreateEventInput `json:"events"`
}

func bulkHandler(svc *service.EventService, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req bulkReq
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid JSON body: "+err.Error())
			return
		}
		events, err := svc.CreateBulkEvents(c, req.Events)
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusCreated, events)
	}
}

func countByMetricHandler(svc *service.MetricsService, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		counts, err := svc.CountByMetricForDate(c, c.Query("date"))
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, counts)
	}
}

func profileAttributesHandler(svc *service.MetricsService, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		attrs, err := svc.ProfileAttributesByEmail(c, c.Query("email"))
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, attrs)
	}
}

func getHandler(svc *service.EventService, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		e, err := svc.GetEvent(c, c.Param("id"))
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, e)
	}
}

func updateHandler(svc *service.EventService, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req service.UpdateEventInput
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid JSON body: "+err.Error())
			return
		}
		e, err := svc.UpdateEvent(c, c.Param("id"), req)
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, e)
	}
}

func deleteHandler(svc *service.EventService, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := svc.DeleteEvent(c, c.Param("id")); err != nil {
			writeError(c, log, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func healthHandler(svc Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		body := gin.H{"status": "ok"}
		if svc.SyncStats != nil {
			body["sync"] = svc.SyncStats()
		}
		c.JSON(http.StatusOK, body)
	}
}

func readyHandler(svc Services, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if svc.Ready != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), readyTimeout)
			defer cancel()
			if err := svc.Ready(ctx); err != nil {
				log.Warnw("not ready", "error", err)
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	}
}
