package main

import (
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/ManuelReschke/RoomFox/app/repository"
	"github.com/ManuelReschke/RoomFox/internal/pkg/billing"
	"github.com/ManuelReschke/RoomFox/internal/pkg/cache"
	"github.com/ManuelReschke/RoomFox/internal/pkg/database"
	"github.com/ManuelReschke/RoomFox/internal/pkg/env"
	"github.com/ManuelReschke/RoomFox/internal/pkg/rooms"
	"github.com/ManuelReschke/RoomFox/internal/pkg/router"
)

func main() {
	app := NewApplication()
	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000")))
	log.Fatal(err)
}

func NewApplication() *fiber.App {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()
	repository.InitializeFactory(database.GetDB())

	events := billing.NewEvents()
	events.Subscribe(func(ev billing.Event) {
		cache.InvalidateSubscriptionSnapshot(ev.UserID)
	})

	roomService := rooms.NewService(database.GetDB())
	engine := billing.NewService(
		billing.NewRevenueCatClientFromEnv(),
		billing.NewRepository(database.GetDB()),
		roomService,
		events,
		billing.WithGracePeriod(time.Duration(envInt("GRACE_PERIOD_DAYS", 14))*24*time.Hour),
		billing.WithSweepInterval(time.Duration(envInt("GRACE_SWEEP_INTERVAL_MINUTES", 5))*time.Minute),
	)
	engine.Start()

	app := fiber.New(fiber.Config{
		AppName: "RoomFox",
	})
	app.Use(recover.New(), logger.New())

	app.Hooks().OnShutdown(func() error {
		engine.Stop()
		return nil
	})

	// ROUTER
	router.InstallRouter(app, router.Dependencies{
		Billing: engine,
		Rooms:   roomService,
	})

	return app
}

func envInt(key string, def int) int {
	raw := env.GetEnv(key, "")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		log.Printf("invalid value for %s: %q, using default %d", key, raw, def)
		return def
	}
	return n
}
