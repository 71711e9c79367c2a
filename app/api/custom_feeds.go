package api

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/lysyi3m/threat-comb/app/feed"
)

func (h *Handler) ListCustomFeeds(c *gin.Context) {
	feeds, err := h.stores.CustomFeeds.ListCustomFeeds(c.Request.Context())
	if err != nil {
		h.fail(c, "list_custom_feeds", err)
		return
	}
	if feeds == nil {
		feeds = []feed.CustomFeed{}
	}
	c.JSON(http.StatusOK, gin.H{
		"custom_feeds": feeds,
		"total":        len(feeds),
	})
}

func (h *Handler) GetCustomFeed(c *gin.Context) {
	cf, err := h.stores.CustomFeeds.GetCustomFeed(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, "get_custom_feed", err)
		return
	}
	c.JSON(http.StatusOK, cf)
}

func (h *Handler) CreateCustomFeed(c *gin.Context) {
	var cf feed.CustomFeed
	if err := c.ShouldBindJSON(&cf); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid custom feed", "details": err.Error()})
		return
	}
	cf.ID = ""

	if err := h.generator.Validate(&cf); err != nil {
		h.fail(c, "create_custom_feed", err)
		return
	}
	if err := h.stores.CustomFeeds.CreateCustomFeed(c.Request.Context(), &cf); err != nil {
		h.fail(c, "create_custom_feed", err)
		return
	}

	slog.Info("Custom feed created", "feed_id", cf.ID, "name", cf.Name, "format", cf.OutputFormat)
	c.JSON(http.StatusCreated, cf)
}

func (h *Handler) UpdateCustomFeed(c *gin.Context) {
	var cf feed.CustomFeed
	if err := c.ShouldBindJSON(&cf); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid custom feed", "details": err.Error()})
		return
	}
	cf.ID = c.Param("id")

	if err := h.generator.Validate(&cf); err != nil {
		h.fail(c, "update_custom_feed", err)
		return
	}
	if err := h.stores.CustomFeeds.UpdateCustomFeed(c.Request.Context(), &cf); err != nil {
		h.fail(c, "update_custom_feed", err)
		return
	}

	slog.Info("Custom feed updated", "feed_id", cf.ID, "version", cf.Version)
	c.JSON(http.StatusOK, cf)
}

func (h *Handler) DeleteCustomFeed(c *gin.Context) {
	id := c.Param("id")
	if err := h.stores.CustomFeeds.DeleteCustomFeed(c.Request.Context(), id); err != nil {
		h.fail(c, "delete_custom_feed", err)
		return
	}
	slog.Info("Custom feed deleted", "feed_id", id)
	c.Status(http.StatusNoContent)
}
