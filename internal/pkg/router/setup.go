package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/RoomFox/internal/pkg/billing"
	"github.com/ManuelReschke/RoomFox/internal/pkg/rooms"
)

// Dependencies carries the services the route handlers need. Wiring happens
// once at startup; handlers never reach for globals.
type Dependencies struct {
	Billing *billing.Service
	Rooms   *rooms.Service
}

type Router interface {
	InstallRouter(app *fiber.App)
}

func InstallRouter(app *fiber.App, deps Dependencies) {
	setup(app, NewApiRouter(deps))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
