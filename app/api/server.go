package api

import (
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// NewServer creates a new HTTP server with all routes configured
func NewServer(handler *Handler, apiAccessKey string) *gin.Engine {
	// Set Gin mode (can be controlled via GIN_MODE environment variable)
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	// Middleware
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		Formatter: func(param gin.LogFormatterParams) string {
			return fmt.Sprintf("%s - [%s] \"%s %s %s %d %s \"%s\" %s\"\n",
				param.ClientIP,
				param.TimeStamp.Format(time.RFC3339),
				param.Method,
				param.Path,
				param.Request.Proto,
				param.StatusCode,
				param.Latency,
				param.Request.UserAgent(),
				param.ErrorMessage,
			)
		},
		SkipPaths: []string{"/metrics"},
	}))

	r.Use(gin.Recovery())

	// CORS middleware for API endpoints
	r.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-API-Key")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	})

	setupRoutes(r, handler, apiAccessKey)

	return r
}

func setupRoutes(r *gin.Engine, handler *Handler, apiAccessKey string) {
	// Rendered custom feeds
	r.GET("/feeds/:id", handler.GetFeed)

	r.GET("/health", handler.GetHealth)
	r.GET("/metrics", gin.WrapH(handler.metrics.Handler()))

	if apiAccessKey != "" {
		api := r.Group("/api")
		api.Use(authMiddleware(apiAccessKey))
		{
			api.GET("/sources", handler.ListSources)
			api.POST("/sources", handler.CreateSource)
			api.POST("/sources/reload", handler.ReloadSources)
			api.GET("/sources/commercial", handler.ListCommercialSources)
			api.GET("/sources/open-source", handler.ListOpenSourceSources)
			api.GET("/sources/:id", handler.GetSource)
			api.PUT("/sources/:id", handler.UpdateSource)
			api.DELETE("/sources/:id", handler.DeleteSource)
			api.POST("/sources/:id/test", handler.TestSource)
			api.POST("/sources/:id/reload", handler.ReloadSource)

			api.POST("/aggregate", handler.Aggregate)
			api.GET("/aggregation/status", handler.GetAggregationStatus)
			api.GET("/aggregation/health", handler.GetAggregationHealth)
			api.GET("/aggregation/stats", handler.GetAggregationStats)

			api.GET("/reliability", handler.CompareReliability)
			api.GET("/reliability/:id", handler.GetReliability)
			api.PUT("/reliability/:id", handler.SetReliability)

			api.POST("/parse", handler.Parse)
			api.GET("/schemas", handler.ListSchemas)

			api.GET("/custom-feeds", handler.ListCustomFeeds)
			api.POST("/custom-feeds", handler.CreateCustomFeed)
			api.GET("/custom-feeds/:id", handler.GetCustomFeed)
			api.PUT("/custom-feeds/:id", handler.UpdateCustomFeed)
			api.DELETE("/custom-feeds/:id", handler.DeleteCustomFeed)
			api.GET("/custom-feeds/:id/generate", handler.GetFeed)

			api.GET("/schedules", handler.ListSchedules)
			api.GET("/schedules/:id", handler.GetSchedule)
			api.PUT("/schedules/:id", handler.UpdateSchedule)
			api.POST("/schedules/:id/trigger", handler.TriggerSchedule)
			api.POST("/schedules/:id/pause", handler.PauseSchedule)
			api.POST("/schedules/:id/resume", handler.ResumeSchedule)

			api.POST("/dedup", handler.Deduplicate)
			api.GET("/duplicates", handler.ListDuplicates)
			api.GET("/dedup/stats", handler.GetDedupStats)
			api.GET("/dedup/report", handler.GetDedupReport)

			api.GET("/items", handler.ListItems)
			api.GET("/items/:id", handler.GetItem)
			api.POST("/items/:id/false-positive", handler.MarkFalsePositive)

			api.GET("/events", handler.StreamEvents)
		}
		slog.Info("API endpoints enabled with authentication")
	} else {
		slog.Warn("API endpoints disabled (API_ACCESS_KEY not set)")
	}

	// Root endpoint with basic information
	r.GET("/", func(c *gin.Context) {
		endpoints := map[string]string{
			"feed":    "/feeds/<id>",
			"health":  "/health",
			"metrics": "/metrics",
		}

		if apiAccessKey != "" {
			endpoints["sources"] = "/api/sources (requires X-API-Key header)"
			endpoints["aggregate"] = "/api/aggregate (POST, requires X-API-Key header)"
			endpoints["reliability"] = "/api/reliability (requires X-API-Key header)"
			endpoints["custom_feeds"] = "/api/custom-feeds (requires X-API-Key header)"
			endpoints["schedules"] = "/api/schedules (requires X-API-Key header)"
			endpoints["dedup"] = "/api/dedup/report (requires X-API-Key header)"
			endpoints["events"] = "/api/events (server-sent events, requires X-API-Key header)"
		}

		c.JSON(http.StatusOK, gin.H{
			"service":     "threat-comb",
			"version":     handler.version,
			"description": "Threat intelligence feed aggregator with normalization, deduplication and reliability scoring",
			"endpoints":   endpoints,
			"api_status": map[string]any{
				"enabled":       apiAccessKey != "",
				"auth_required": apiAccessKey != "",
				"header":        "X-API-Key",
			},
		})
	})

	// Favicon handler (return 204 to avoid 404s)
	r.GET("/favicon.ico", func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
}

// authMiddleware accepts the key in X-API-Key or as a bearer token.
func authMiddleware(apiAccessKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		providedKey := c.GetHeader("X-API-Key")

		if providedKey == "" {
			if token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer "); ok {
				providedKey = token
			}
		}

		if providedKey == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "API key required",
				"message": "Provide API key in X-API-Key header or Authorization: Bearer <key>",
			})
			c.Abort()
			return
		}

		if subtle.ConstantTimeCompare([]byte(providedKey), []byte(apiAccessKey)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "Invalid API key",
				"message": "The provided API key is not valid",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
