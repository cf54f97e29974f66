package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/ManuelReschke/RoomFox/app/controllers"
	"github.com/ManuelReschke/RoomFox/internal/pkg/middleware"
)

type ApiRouter struct {
	billing *controllers.BillingController
	rooms   *controllers.RoomController
}

func NewApiRouter(deps Dependencies) *ApiRouter {
	return &ApiRouter{
		billing: controllers.NewBillingController(deps.Billing),
		rooms:   controllers.NewRoomController(deps.Rooms),
	}
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", limiter.New())
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	v1 := api.Group("/v1")

	// Public: account bootstrap and the provider webhook. The webhook carries
	// its own authentication (shared secret / HMAC).
	auth := v1.Group("/auth")
	auth.Post("/register", controllers.HandleRegister)
	auth.Post("/api-key", controllers.HandleReissueAPIKey)

	v1.Post("/billing/webhook", h.billing.HandleWebhook)

	// API-key protected surface.
	billingGroup := v1.Group("/billing", middleware.APIKeyAuthMiddleware())
	billingGroup.Get("/subscription", h.billing.HandleSubscription)
	billingGroup.Post("/refresh", h.billing.HandleRefresh)
	billingGroup.Post("/purchase", h.billing.HandlePurchase)

	roomsGroup := v1.Group("/rooms", middleware.APIKeyAuthMiddleware())
	roomsGroup.Get("/", h.rooms.HandleList)
	roomsGroup.Post("/", h.rooms.HandleCreate)
	roomsGroup.Delete("/:uuid", h.rooms.HandleDelete)
}
