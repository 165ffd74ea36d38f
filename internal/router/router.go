package router

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/cors"

	"github.com/inaiurai/creditcore/internal/identity"
	"github.com/inaiurai/creditcore/internal/jobs"
	"github.com/inaiurai/creditcore/internal/ledger"
	"github.com/inaiurai/creditcore/internal/webhook"
)

type Handlers struct {
	Ledger  *ledger.Handler
	Jobs    *jobs.Handler
	Webhook *webhook.Handler
}

type Options struct {
	Identity       identity.Resolver
	AllowedOrigins []string
	Logger         *slog.Logger
	// Health reports dependency status for GET /health. Nil means always healthy.
	Health func(ctx context.Context) error
}

// New returns the API handler: user routes under /v1 behind identity,
// provider callbacks under /webhooks, all wrapped in CORS.
func New(h Handlers, opts Options) http.Handler {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	r := gin.New()
	r.Use(gin.Recovery(), LoggerMiddleware(log))

	r.GET("/health", func(c *gin.Context) {
		if opts.Health != nil {
			if err := opts.Health(c.Request.Context()); err != nil {
				log.Warn("health check failed", "error", err)
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/v1", identity.Middleware(opts.Identity))
	v1.GET("/balance", h.Ledger.Balance)
	v1.GET("/transactions", h.Ledger.Transactions)
	v1.POST("/codes/redeem", h.Ledger.Redeem)
	v1.POST("/jobs", h.Jobs.Create)
	v1.GET("/jobs", h.Jobs.List)
	v1.GET("/jobs/:id", h.Jobs.Get)

	r.POST("/webhooks/:provider", h.Webhook.Handle)

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000"}
	}
	return cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}).Handler(r)
}
