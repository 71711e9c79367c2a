package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"

	"github.com/lysyi3m/threat-comb/app/aggregator"
	"github.com/lysyi3m/threat-comb/app/feed"
	"github.com/lysyi3m/threat-comb/app/reliability"
	"github.com/lysyi3m/threat-comb/app/tasks"
)

func (h *Handler) ListSources(c *gin.Context) {
	h.listSources(c, feed.SourceKind(c.Query("kind")))
}

func (h *Handler) ListCommercialSources(c *gin.Context) {
	h.listSources(c, feed.KindCommercial)
}

func (h *Handler) ListOpenSourceSources(c *gin.Context) {
	h.listSources(c, feed.KindOpenSource)
}

func (h *Handler) listSources(c *gin.Context, kind feed.SourceKind) {
	sources, err := h.stores.Sources.ListSources(c.Request.Context(), kind)
	if err != nil {
		h.fail(c, "list_sources", err)
		return
	}
	if sources == nil {
		sources = []feed.Source{}
	}
	c.JSON(http.StatusOK, gin.H{
		"sources": sources,
		"total":   len(sources),
	})
}

func (h *Handler) GetSource(c *gin.Context) {
	src, err := h.stores.Sources.GetSource(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, "get_source", err)
		return
	}
	c.JSON(http.StatusOK, src)
}

func (h *Handler) CreateSource(c *gin.Context) {
	var body sourceRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid source definition", "details": err.Error()})
		return
	}

	ctx := c.Request.Context()
	src := body.definition()
	if _, err := h.stores.Sources.GetSource(ctx, src.ID); err == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "Source already exists", "source_id": src.ID})
		return
	} else if !errors.Is(err, feed.ErrNotFound) {
		h.fail(c, "get_source", err)
		return
	}

	if err := h.syncDefinition(ctx, src); err != nil {
		h.fail(c, "create_source", err)
		return
	}

	stored, err := h.stores.Sources.GetSource(ctx, src.ID)
	if err != nil {
		h.fail(c, "get_source", err)
		return
	}
	c.JSON(http.StatusCreated, stored)
}

func (h *Handler) UpdateSource(c *gin.Context) {
	id := c.Param("id")
	var body sourceRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid source definition", "details": err.Error()})
		return
	}

	ctx := c.Request.Context()
	if _, err := h.stores.Sources.GetSource(ctx, id); err != nil {
		h.fail(c, "get_source", err)
		return
	}

	body.ID = id
	src := body.definition()
	if err := h.syncDefinition(ctx, src); err != nil {
		h.fail(c, "update_source", err)
		return
	}

	stored, err := h.stores.Sources.GetSource(ctx, id)
	if err != nil {
		h.fail(c, "get_source", err)
		return
	}
	c.JSON(http.StatusOK, stored)
}

func (h *Handler) DeleteSource(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	if err := h.stores.Sources.DeleteSource(ctx, id); err != nil {
		h.fail(c, "delete_source", err)
		return
	}
	if err := h.scheduler.Remove(id); err != nil && !errors.Is(err, feed.ErrNotFound) {
		slog.Warn("Failed to unschedule source", "source_id", id, "error", err)
	}
	h.metrics.ForgetSource(id)

	slog.Info("Source deleted", "source_id", id)
	c.Status(http.StatusNoContent)
}

// TestSource probes the endpoint of a source without running a cycle.
func (h *Handler) TestSource(c *gin.Context) {
	ctx := c.Request.Context()
	src, err := h.stores.Sources.GetSource(ctx, c.Param("id"))
	if err != nil {
		h.fail(c, "get_source", err)
		return
	}

	ok, latency, err := h.prober.Probe(ctx, src)
	response := gin.H{
		"source_id":  src.ID,
		"endpoint":   src.Endpoint,
		"reachable":  ok,
		"latency":    latency.String(),
		"latency_ms": latency.Milliseconds(),
	}
	if err != nil {
		response["error"] = err.Error()
	}
	c.JSON(http.StatusOK, response)
}

// ReloadSource re-reads the YAML definition of one source and syncs it.
func (h *Handler) ReloadSource(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.configCache.GetConfig(id); err != nil {
		slog.Error("Source definition not found", "source_id", id, "error", err)
		c.JSON(http.StatusNotFound, gin.H{"error": "Source definition not found"})
		return
	}

	src, err := h.configCache.LoadConfig(id)
	if err != nil {
		slog.Error("Error reloading definition", "source_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to reload definition",
			"details": err.Error(),
		})
		return
	}

	def := *src
	if err := h.syncDefinition(c.Request.Context(), &def); err != nil {
		h.fail(c, "reload_source", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Definition reloaded and synced",
		"source": gin.H{
			"id":       def.ID,
			"name":     def.Name,
			"endpoint": def.Endpoint,
			"schedule": def.Schedule,
			"enabled":  def.Enabled,
		},
	})
}

// ReloadSources re-reads the whole definitions directory.
func (h *Handler) ReloadSources(c *gin.Context) {
	ctx := c.Request.Context()
	if err := h.configCache.Run(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to reload definitions",
			"details": err.Error(),
		})
		return
	}

	synced, err := tasks.SyncSources(ctx, h.configCache, h.stores.Sources, h.clock)
	if err != nil {
		h.fail(c, "sync_sources", err)
		return
	}
	for _, src := range h.configCache.GetConfigs() {
		h.reschedule(ctx, src)
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"loaded":  h.configCache.GetConfigCount(),
		"enabled": len(h.configCache.GetEnabledConfigs()),
		"synced":  synced,
	})
}

// syncDefinition stores a source definition and registers it with the
// scheduler.
func (h *Handler) syncDefinition(ctx context.Context, src *feed.Source) error {
	task := tasks.NewSyncSourceConfigTask(src, h.stores.Sources, h.clock)
	task.Start()
	if err := task.Execute(ctx); err != nil {
		return err
	}
	h.reschedule(ctx, src)
	return nil
}

func (h *Handler) reschedule(ctx context.Context, src *feed.Source) {
	if !src.Enabled {
		if err := h.scheduler.Remove(src.ID); err != nil && !errors.Is(err, feed.ErrNotFound) {
			slog.Warn("Failed to unschedule source", "source_id", src.ID, "error", err)
		}
		return
	}
	if _, err := h.scheduler.Schedule(ctx, src.ID, src.Schedule); err != nil {
		slog.Warn("Failed to schedule source", "source_id", src.ID, "error", err)
	}
}

// definition builds a source from the user-editable fields. Sources are
// enabled unless the body says otherwise, like YAML definitions.
func (r sourceRequest) definition() *feed.Source {
	src := &feed.Source{
		ID:          strings.TrimSpace(r.ID),
		Name:        r.Name,
		Kind:        r.Kind,
		Endpoint:    r.Endpoint,
		Format:      r.Format,
		Auth:        r.Auth,
		Schedule:    r.Schedule,
		Enabled:     r.Enabled == nil || *r.Enabled,
		Category:    r.Category,
		Priority:    r.Priority,
		MergePolicy: r.MergePolicy,
		Timeout:     r.Timeout,
	}
	if src.Name == "" {
		src.Name = src.ID
	}
	feed.ApplySourceDefaults(src)
	return src
}

// Reliability

func (h *Handler) GetReliability(c *gin.Context) {
	ctx := c.Request.Context()
	src, err := h.stores.Sources.GetSource(ctx, c.Param("id"))
	if err != nil {
		h.fail(c, "get_source", err)
		return
	}

	report := h.scorer.Report(*src, aggregator.Interval(src, h.clock.Now()))
	adjustments, err := h.scorer.Adjustments(ctx, src.ID)
	if err != nil {
		h.fail(c, "list_adjustments", err)
		return
	}
	report.Adjustments = adjustments

	c.JSON(http.StatusOK, gin.H{
		"source_id":     src.ID,
		"current_score": src.ReliabilityScore,
		"grade":         reliability.Grade(src.ReliabilityScore),
		"report":        report,
	})
}

// CompareReliability ranks the sources named in ?ids=a,b or every source.
func (h *Handler) CompareReliability(c *gin.Context) {
	ctx := c.Request.Context()
	now := h.clock.Now()

	var sources []feed.Source
	if raw := strings.TrimSpace(c.Query("ids")); raw != "" {
		for _, id := range strings.Split(raw, ",") {
			id = strings.TrimSpace(id)
			if id == "" {
				continue
			}
			src, err := h.stores.Sources.GetSource(ctx, id)
			if err != nil {
				h.fail(c, "get_source", err)
				return
			}
			sources = append(sources, *src)
		}
	} else {
		all, err := h.stores.Sources.ListSources(ctx, "")
		if err != nil {
			h.fail(c, "list_sources", err)
			return
		}
		sources = all
	}

	reports := make([]reliability.Report, 0, len(sources))
	for _, src := range sources {
		reports = append(reports, h.scorer.Report(src, aggregator.Interval(&src, now)))
	}
	ranked := reliability.Compare(reports)

	c.JSON(http.StatusOK, gin.H{
		"ranking": ranked,
		"total":   len(ranked),
	})
}

func (h *Handler) SetReliability(c *gin.Context) {
	var body manualScoreRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}
	if body.Score == nil {
		h.fail(c, "set_reliability", &feed.ValidationError{Field: "score", Reason: "is required"})
		return
	}

	src, err := h.scorer.SetManualScore(c.Request.Context(), h.orchestrator, c.Param("id"), *body.Score, body.Reason)
	if err != nil {
		h.fail(c, "set_reliability", err)
		return
	}
	h.metrics.SetReliability(src.ID, src.ReliabilityScore)

	c.JSON(http.StatusOK, gin.H{
		"source_id": src.ID,
		"score":     src.ReliabilityScore,
		"grade":     reliability.Grade(src.ReliabilityScore),
		"reason":    body.Reason,
	})
}

// Parsing

func (h *Handler) Parse(c *gin.Context) {
	format, err := queryFormat(c)
	if err != nil {
		h.fail(c, "parse", err)
		return
	}
	data, err := readBody(c)
	if err != nil {
		h.fail(c, "parse", err)
		return
	}

	result, err := h.parser.Run(data, format)
	if err != nil {
		h.fail(c, "parse", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"format":       result.Format,
		"items":        result.Items,
		"errors":       result.Errors,
		"total":        len(result.Items),
		"error_count":  len(result.Errors),
		"content_size": humanize.Bytes(uint64(len(data))),
	})
}

func (h *Handler) ListSchemas(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"schemas": h.parser.Formats(),
		"fields":  feed.ItemFields,
	})
}
