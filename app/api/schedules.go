package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/lysyi3m/threat-comb/app/cron"
	"github.com/lysyi3m/threat-comb/app/feed"
)

const runHistoryLimit = 20

func (h *Handler) ListSchedules(c *gin.Context) {
	schedules := h.scheduler.List()
	c.JSON(http.StatusOK, gin.H{
		"schedules": schedules,
		"total":     len(schedules),
	})
}

func (h *Handler) GetSchedule(c *gin.Context) {
	id := c.Param("id")
	status, err := h.scheduler.Status(id)
	if err != nil {
		h.fail(c, "get_schedule", err)
		return
	}

	runs, err := h.stores.Runs.ListRuns(c.Request.Context(), id, runHistoryLimit)
	if err != nil {
		h.fail(c, "list_runs", err)
		return
	}
	if runs == nil {
		runs = []feed.ScheduleRun{}
	}

	c.JSON(http.StatusOK, gin.H{
		"schedule": status,
		"runs":     runs,
	})
}

// UpdateSchedule changes the cron expression of a source and re-arms it.
func (h *Handler) UpdateSchedule(c *gin.Context) {
	id := c.Param("id")
	var body scheduleRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}
	expr := strings.TrimSpace(body.Schedule)
	if _, err := cron.Parse(expr); err != nil {
		h.fail(c, "update_schedule", &feed.ValidationError{Field: "schedule", Reason: err.Error()})
		return
	}

	ctx := c.Request.Context()
	src, err := h.stores.Sources.GetSource(ctx, id)
	if err != nil {
		h.fail(c, "get_source", err)
		return
	}
	src.Schedule = expr
	if _, err := h.stores.Sources.UpsertSource(ctx, src); err != nil {
		h.fail(c, "update_schedule", err)
		return
	}

	if !src.Enabled {
		c.JSON(http.StatusOK, gin.H{"source_id": id, "schedule": expr, "enabled": false})
		return
	}
	if _, err := h.scheduler.Schedule(ctx, id, expr); err != nil {
		h.fail(c, "update_schedule", err)
		return
	}
	h.respondSchedule(c, id)
}

// TriggerSchedule starts a cycle now. With ?wait=true the response carries
// the outcome of the cycle, retries included.
func (h *Handler) TriggerSchedule(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	outcomes, err := h.scheduler.TriggerNow(ctx, id)
	if err != nil {
		h.fail(c, "trigger_schedule", err)
		return
	}

	if c.Query("wait") != "true" {
		c.JSON(http.StatusAccepted, gin.H{"source_id": id, "status": "triggered"})
		return
	}

	select {
	case outcome := <-outcomes:
		c.JSON(http.StatusOK, outcome)
	case <-ctx.Done():
		c.Status(http.StatusServiceUnavailable)
	}
}

func (h *Handler) PauseSchedule(c *gin.Context) {
	id := c.Param("id")
	if err := h.scheduler.Pause(c.Request.Context(), id); err != nil {
		h.fail(c, "pause_schedule", err)
		return
	}
	h.respondSchedule(c, id)
}

func (h *Handler) ResumeSchedule(c *gin.Context) {
	id := c.Param("id")
	if err := h.scheduler.Resume(c.Request.Context(), id); err != nil {
		h.fail(c, "resume_schedule", err)
		return
	}
	h.respondSchedule(c, id)
}

func (h *Handler) respondSchedule(c *gin.Context, id string) {
	status, err := h.scheduler.Status(id)
	if err != nil {
		h.fail(c, "get_schedule", err)
		return
	}
	c.JSON(http.StatusOK, status)
}
