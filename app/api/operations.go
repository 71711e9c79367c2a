package api

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lysyi3m/threat-comb/app/database"
	"github.com/lysyi3m/threat-comb/app/events"
	"github.com/lysyi3m/threat-comb/app/feed"
	"github.com/lysyi3m/threat-comb/app/tasks"
)

// payload hands an uploaded body to a ProcessSourceTask in place of a fetch.
type payload []byte

func (p payload) Fetch(context.Context, *feed.Source) ([]byte, error) {
	return p, nil
}

// Deduplicate resolves an uploaded batch against the canonical store on
// behalf of a source, without touching its run counters.
func (h *Handler) Deduplicate(c *gin.Context) {
	ctx := c.Request.Context()

	sourceID := c.Query("source_id")
	if sourceID == "" {
		h.fail(c, "dedup", &feed.ValidationError{Field: "source_id", Reason: "is required"})
		return
	}
	src, err := h.stores.Sources.GetSource(ctx, sourceID)
	if err != nil {
		h.fail(c, "get_source", err)
		return
	}

	format, err := queryFormat(c)
	if err != nil {
		h.fail(c, "dedup", err)
		return
	}
	src.Format = format

	if policy := feed.MergePolicy(c.Query("policy")); policy != "" {
		if !policy.Valid() {
			h.fail(c, "dedup", &feed.ValidationError{Field: "policy", Reason: fmt.Sprintf("unknown merge policy %q", policy)})
			return
		}
		src.MergePolicy = policy
	}

	data, err := readBody(c)
	if err != nil {
		h.fail(c, "dedup", err)
		return
	}

	task := tasks.NewProcessSourceTask(src, payload(data), h.parser, h.dedup, h.clock)
	task.Start()
	if err := task.Execute(ctx); err != nil {
		h.fail(c, "dedup", err)
		return
	}
	for _, res := range task.Result.Resolutions {
		h.metrics.ObserveResolution(string(res.Action))
	}

	c.JSON(http.StatusOK, gin.H{
		"result":      task.Result,
		"resolutions": task.Result.Resolutions,
	})
}

func (h *Handler) ListDuplicates(c *gin.Context) {
	limit, err := queryLimit(c)
	if err != nil {
		h.fail(c, "list_duplicates", err)
		return
	}

	items, err := h.dedup.ListDuplicates(c.Request.Context(), c.Query("canonical_id"), limit)
	if err != nil {
		h.fail(c, "list_duplicates", err)
		return
	}
	if items == nil {
		items = []feed.Item{}
	}
	c.JSON(http.StatusOK, gin.H{
		"duplicates": items,
		"total":      len(items),
	})
}

func (h *Handler) GetDedupStats(c *gin.Context) {
	stats := h.dedup.Stats()
	c.JSON(http.StatusOK, gin.H{
		"stats":          stats,
		"duplicate_rate": stats.DuplicateRate(),
	})
}

func (h *Handler) GetDedupReport(c *gin.Context) {
	report, err := h.dedup.Report(c.Request.Context())
	if err != nil {
		h.fail(c, "dedup_report", err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// Aggregation

func (h *Handler) Aggregate(c *gin.Context) {
	var body aggregateRequest
	if err := bindOptionalJSON(c, &body); err != nil {
		h.fail(c, "aggregate", err)
		return
	}

	ctx := c.Request.Context()
	ids := body.SourceIDs
	if body.All {
		enabled, err := h.orchestrator.EnabledSourceIDs(ctx)
		if err != nil {
			h.fail(c, "aggregate", err)
			return
		}
		ids = enabled
	}

	report, err := h.orchestrator.Aggregate(ctx, ids)
	if err != nil {
		h.fail(c, "aggregate", err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *Handler) GetAggregationStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.orchestrator.Status())
}

func (h *Handler) GetAggregationHealth(c *gin.Context) {
	health, err := h.orchestrator.Health(c.Request.Context())
	if err != nil {
		h.fail(c, "aggregation_health", err)
		return
	}
	c.JSON(http.StatusOK, health)
}

func (h *Handler) GetAggregationStats(c *gin.Context) {
	stats, err := h.orchestrator.Statistics(c.Request.Context())
	if err != nil {
		h.fail(c, "aggregation_stats", err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// Items

func (h *Handler) ListItems(c *gin.Context) {
	limit, err := queryLimit(c)
	if err != nil {
		h.fail(c, "list_items", err)
		return
	}

	items, err := h.stores.Items.ListItems(c.Request.Context(), database.ItemQuery{
		SourceID:      c.Query("source_id"),
		Type:          feed.IndicatorType(c.Query("type")),
		CanonicalOnly: c.Query("canonical") == "true",
		Limit:         limit,
	})
	if err != nil {
		h.fail(c, "list_items", err)
		return
	}
	if items == nil {
		items = []feed.Item{}
	}
	c.JSON(http.StatusOK, gin.H{
		"items": items,
		"total": len(items),
	})
}

func (h *Handler) GetItem(c *gin.Context) {
	item, err := h.stores.Items.GetItem(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, "get_item", err)
		return
	}
	c.JSON(http.StatusOK, item)
}

// MarkFalsePositive flags an item, or clears the flag with
// {"false_positive": false}.
func (h *Handler) MarkFalsePositive(c *gin.Context) {
	var body falsePositiveRequest
	if err := bindOptionalJSON(c, &body); err != nil {
		h.fail(c, "false_positive", err)
		return
	}
	flag := body.FalsePositive == nil || *body.FalsePositive

	item, err := h.orchestrator.MarkFalsePositive(c.Request.Context(), c.Param("id"), flag)
	if err != nil {
		h.fail(c, "false_positive", err)
		return
	}
	c.JSON(http.StatusOK, item)
}

// StreamEvents relays bus events as server-sent events until the client goes
// away. ?type= keeps a single event type.
func (h *Handler) StreamEvents(c *gin.Context) {
	only := events.Type(c.Query("type"))
	ch, unsubscribe := h.bus.Subscribe(0)
	defer unsubscribe()

	// The stream outlives the server's write timeout.
	_ = http.NewResponseController(c.Writer).SetWriteDeadline(time.Time{})

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	slog.Debug("Event stream opened", "client", c.ClientIP(), "type", only)
	ctx := c.Request.Context()
	c.Stream(func(io.Writer) bool {
		select {
		case e, ok := <-ch:
			if !ok {
				return false
			}
			if only == "" || e.Type == only {
				c.SSEvent(string(e.Type), e)
			}
			return true
		case <-ctx.Done():
			return false
		}
	})
	slog.Debug("Event stream closed", "client", c.ClientIP())
}
