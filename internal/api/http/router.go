package http

import (
	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/escalation-service/internal/api/http/handlers"
	"github.com/spec-kit/escalation-service/internal/auth"
)

// RouteConfig bundles dependencies for route registration.
type RouteConfig struct {
	Health         *handlers.HealthHandler
	Users          *handlers.UsersHandler
	Escalation     *handlers.EscalationHandler
	AuthMiddleware *auth.AuthMiddleware
}

// RegisterRoutes wires HTTP routes.
func RegisterRoutes(app *fiber.App, cfg RouteConfig) {
	app.Get("/health/live", cfg.Health.Live)
	app.Get("/health/ready", cfg.Health.Ready)

	app.Post("/auth/login", cfg.Users.Login)

	tickets := app.Group("/api/v1/tickets/:id", cfg.AuthMiddleware.Handle)
	tickets.Get("/history", auth.RequireAnyRole(), cfg.Escalation.History)

	admin := tickets.Group("", auth.RequireLocalAdmin())
	admin.Post("/escalate", cfg.Escalation.Escalate)
	admin.Post("/issue/comments", cfg.Escalation.RelayComment)
	admin.Post("/issue/attachments/sync", cfg.Escalation.SyncAttachments)
}
