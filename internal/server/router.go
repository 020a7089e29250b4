package server

import (
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"pizzeria-checkout/internal/config"
)

func NewRouter(cfg config.ServerConfig, h *Handler, limiter *IPRateLimiter) *gin.Engine {
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(h.logger))
	r.Use(cors.New(corsConfig(cfg.AllowedOrigins)))

	r.GET("/health", h.Health)
	r.GET("/payment/:outcome", h.PaymentReturn)
	r.POST("/webhooks/mercadopago", h.Webhook)

	api := r.Group("/api/v1")
	{
		api.POST("/checkout", RateLimit(limiter), h.Checkout)
		api.GET("/checkout/:preferenceId", h.Screen)
		api.POST("/checkout/:preferenceId/check", h.CheckAgain)
		api.DELETE("/checkout/:preferenceId", h.Cancel)

		api.GET("/orders/:id", h.Order)
		api.POST("/orders/:id/retry", RateLimit(limiter), h.Retry)

		api.GET("/users/:userId/orders", h.UserOrders)
	}
	return r
}

// NewHTTPServer wraps the router with the configured timeouts.
func NewHTTPServer(cfg config.ServerConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
}

func corsConfig(origins []string) cors.Config {
	c := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 || slices.Contains(origins, "*") {
		c.AllowAllOrigins = true
	} else {
		c.AllowOrigins = origins
	}
	return c
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"ip", c.ClientIP(),
		)
	}
}
