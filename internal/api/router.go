package api

import (
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/prometheus/client_golang/prometheus"

	config "github.com/maheshrc27/postflow/configs"
	"github.com/maheshrc27/postflow/internal/api/handlers"
	"github.com/maheshrc27/postflow/internal/api/middleware"
	"github.com/maheshrc27/postflow/internal/metrics"
	"github.com/maheshrc27/postflow/internal/transfer"
)

type Handlers struct {
	Posts    *handlers.PostHandler
	Accounts *handlers.AccountHandler
}

// NewApp builds the HTTP server. gatherer may be nil to leave /metrics
// unmounted.
func NewApp(cfg config.Config, h Handlers, gatherer prometheus.Gatherer) *fiber.App {
	app := fiber.New(fiber.Config{
		ReadTimeout:  cfg.UploadTimeout + 30*time.Second,
		WriteTimeout: cfg.UploadTimeout + 30*time.Second,
		BodyLimit:    int(cfg.MaxUploadSize) + 1024*1024,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			if code >= fiber.StatusInternalServerError {
				slog.Error("unhandled error", "path", c.Path(), "error", err)
			}
			return c.Status(code).JSON(transfer.ErrorResponse{
				Message: err.Error(),
				Error:   transfer.ErrorDetail{Kind: "http"},
			})
		},
	})

	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.FrontendURL,
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization",
		AllowCredentials: true,
		MaxAge:           3600,
	}))

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})
	if gatherer != nil {
		app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler(gatherer)))
	}

	SetupRoutes(app, middleware.NewAuthMiddleware(cfg), h)
	return app
}

func SetupRoutes(app *fiber.App, auth *middleware.AuthMiddleware, h Handlers) {
	api := app.Group("/api", auth.AuthMiddleware())

	// post api routes
	api.Post("/posts/publish", h.Posts.PublishPost)
	api.Post("/posts/schedule", h.Posts.SchedulePost)
	api.Get("/posts", h.Posts.ListPosts)
	api.Get("/posts/scheduled", h.Posts.ListScheduledPosts)
	api.Get("/posts/:id", h.Posts.GetPost)
	api.Post("/posts/:id/publish", h.Posts.PublishNow)
	api.Delete("/posts/:id", h.Posts.RemovePost)
	api.Get("/posts/:id/attempts", h.Posts.ListAttempts)

	// connected accounts
	api.Get("/accounts", h.Accounts.ListAccounts)
	api.Put("/accounts/:platform", h.Accounts.ConnectAccount)
	api.Delete("/accounts/:platform", h.Accounts.DisconnectAccount)
}
