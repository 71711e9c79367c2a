package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lysyi3m/threat-comb/app/aggregator"
	"github.com/lysyi3m/threat-comb/app/clock"
	"github.com/lysyi3m/threat-comb/app/database"
	"github.com/lysyi3m/threat-comb/app/feed"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
	maxBodySize  = 32 << 20
)

func NewHandler(d Deps) *Handler {
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	if d.Generator == nil {
		d.Generator = feed.NewGenerator(d.Clock)
	}
	return &Handler{
		stores:       d.Stores,
		configCache:  d.ConfigCache,
		parser:       d.Parser,
		generator:    d.Generator,
		dedup:        d.Dedup,
		scorer:       d.Scorer,
		prober:       d.Prober,
		orchestrator: d.Orchestrator,
		scheduler:    d.Scheduler,
		bus:          d.Bus,
		metrics:      d.Metrics,
		clock:        d.Clock,
		version:      d.Version,
	}
}

// GetFeed serves a rendered custom feed. It backs both the public feed
// endpoint and the generate operation.
func (h *Handler) GetFeed(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		c.Status(http.StatusBadRequest)
		return
	}

	ctx := c.Request.Context()
	cf, err := h.stores.CustomFeeds.GetCustomFeed(ctx, id)
	if err != nil {
		h.fail(c, "get_custom_feed", err)
		return
	}
	if err := h.generator.Validate(cf); err != nil {
		h.fail(c, "generate_feed", err)
		return
	}

	items, err := h.stores.Items.ListItems(ctx, database.ItemQuery{CanonicalOnly: true})
	if err != nil {
		h.fail(c, "list_items", err)
		return
	}

	rendered, err := h.generator.Run(cf, items)
	if err != nil {
		slog.Error("Feed generation error", "feed", id, "error", err)
		h.fail(c, "generate_feed", err)
		return
	}
	h.metrics.ObserveGeneration(string(rendered.Format))

	c.Header("X-Feed-Items", strconv.Itoa(rendered.Items))
	c.Header("X-Feed-Dropped", strconv.Itoa(rendered.Dropped))
	c.Header("X-Feed-Version", strconv.Itoa(rendered.Version))
	c.Header("X-Feed-Name", cf.Name)
	c.Header("X-Generated-At", rendered.GeneratedAt.Format(time.RFC3339))

	c.Data(http.StatusOK, rendered.ContentType, rendered.Body)
}

func (h *Handler) GetHealth(c *gin.Context) {
	health, err := h.orchestrator.Health(c.Request.Context())
	if err != nil {
		h.fail(c, "health", err)
		return
	}

	response := gin.H{
		"status":    health.Status,
		"timestamp": h.clock.Now().In(time.Local).Format(time.RFC3339),
		"version":   h.version,
		"health":    health,
	}
	if h.configCache != nil {
		response["loaded_definitions"] = h.configCache.GetConfigCount()
	}

	code := http.StatusOK
	if health.Status == aggregator.Unhealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, response)
}

// fail maps the error taxonomy to HTTP responses.
func (h *Handler) fail(c *gin.Context, operation string, err error) {
	var (
		validation *feed.ValidationError
		format     *feed.FormatError
	)
	switch {
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request",
			"field":   validation.Field,
			"details": validation.Reason,
		})
	case errors.As(err, &format):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":         "Unparseable payload",
			"details":       err.Error(),
			"record_errors": format.Errors,
		})
	case errors.Is(err, feed.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found", "details": err.Error()})
	case errors.Is(err, feed.ErrRunInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": "Run already in progress", "details": err.Error()})
	case errors.Is(err, context.Canceled):
		c.Status(http.StatusServiceUnavailable)
	default:
		slog.Error("Request failed", "operation", operation, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error", "details": err.Error()})
	}
}

func queryLimit(c *gin.Context) (int, error) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		return 0, &feed.ValidationError{Field: "limit", Reason: fmt.Sprintf("invalid limit %q", raw)}
	}
	return min(limit, maxLimit), nil
}

// queryFormat reads an optional wire format. Empty means detect.
func queryFormat(c *gin.Context) (feed.Format, error) {
	format := feed.Format(strings.ToLower(c.Query("format")))
	if format != "" && !format.Valid() {
		return "", &feed.ValidationError{Field: "format", Reason: fmt.Sprintf("unsupported format %q", format)}
	}
	return format, nil
}

func readBody(c *gin.Context) ([]byte, error) {
	data, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodySize))
	if err != nil {
		return nil, &feed.ValidationError{Field: "body", Reason: err.Error()}
	}
	return data, nil
}

// bindOptionalJSON decodes a JSON body when one was sent.
func bindOptionalJSON(c *gin.Context, v any) error {
	if c.Request.ContentLength == 0 {
		return nil
	}
	if err := c.ShouldBindJSON(v); err != nil && !errors.Is(err, io.EOF) {
		return &feed.ValidationError{Field: "body", Reason: err.Error()}
	}
	return nil
}
