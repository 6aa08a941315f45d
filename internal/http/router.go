package http

import (
	"io/fs"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/murmur-ai/voice-gateway/internal/session"
	"github.com/murmur-ai/voice-gateway/internal/tools"
	"github.com/murmur-ai/voice-gateway/internal/ws"
	"github.com/murmur-ai/voice-gateway/webassets"
)

// NewRouter wires the REST surface, the relay websocket endpoint, and the
// embedded demo page.
func NewRouter(logger *zap.Logger, sessions *session.Registry, toolbox *tools.Registry, wsHandler *ws.Handler) *gin.Engine {
	router := gin.New()
	router.RedirectTrailingSlash = false
	router.RedirectFixedPath = false
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": sessions.Count()})
	})

	api := router.Group("/api")
	{
		api.POST("/sessions", func(c *gin.Context) {
			var body struct {
				UserID string `json:"userId"`
			}
			// Body is optional; an empty post creates an anonymous session.
			_ = c.ShouldBindJSON(&body)

			sess := sessions.Create(body.UserID)
			c.JSON(http.StatusCreated, gin.H{
				"sessionId": sess.ID,
				"createdAt": sess.CreatedAt.UTC().Format(time.RFC3339),
			})
		})

		api.GET("/sessions/:id", func(c *gin.Context) {
			sess, ok := sessions.Get(c.Param("id"))
			if !ok {
				c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
				return
			}
			c.JSON(http.StatusOK, gin.H{
				"sessionId":    sess.ID,
				"userId":       sess.UserID,
				"createdAt":    sess.CreatedAt.UTC().Format(time.RFC3339),
				"connected":    sess.Upstream != nil,
				"memoryLength": len(sess.Memory),
			})
		})

		api.DELETE("/sessions/:id", func(c *gin.Context) {
			if !sessions.Delete(c.Param("id")) {
				c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
				return
			}
			c.JSON(http.StatusOK, gin.H{"deleted": true})
		})

		api.GET("/tools", func(c *gin.Context) {
			descriptors := toolbox.ListAll()
			out := make([]gin.H, 0, len(descriptors))
			for _, d := range descriptors {
				out = append(out, gin.H{
					"name":        d.Name,
					"description": d.Description,
					"parameters":  d.Parameters,
				})
			}
			c.JSON(http.StatusOK, gin.H{"tools": out})
		})
	}

	router.GET("/ws", func(c *gin.Context) {
		wsHandler.Handle(c.Writer, c.Request)
	})

	mountDemo(router, logger)

	return router
}

func mountDemo(router *gin.Engine, logger *zap.Logger) {
	demoRoot, err := webassets.Subdir("demo")
	if err != nil {
		if logger != nil {
			logger.Warn("embedded demo assets unavailable", zap.Error(err))
		}
		return
	}

	indexHTML, err := fs.ReadFile(demoRoot, "index.html")
	if err != nil {
		if logger != nil {
			logger.Warn("missing embedded demo index.html", zap.Error(err))
		}
		return
	}

	router.GET("/", func(c *gin.Context) {
		c.Data(http.StatusOK, "text/html; charset=utf-8", indexHTML)
	})
	router.StaticFileFS("/app.js", "app.js", http.FS(demoRoot))
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		if logger == nil {
			return
		}
		logger.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("query", c.Request.URL.RawQuery),
			zap.String("client_ip", c.ClientIP()),
			zap.Int("status", c.Writer.Status()),
			zap.Int("bytes", c.Writer.Size()),
			zap.Duration("latency", latency),
			zap.String("user_agent", c.Request.UserAgent()),
		)
	}
}
