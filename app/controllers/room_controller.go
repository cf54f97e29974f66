package controllers

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/RoomFox/app/repository"
	"github.com/ManuelReschke/RoomFox/internal/pkg/rooms"
	"github.com/ManuelReschke/RoomFox/internal/pkg/usercontext"
)

// RoomController exposes room lifecycle operations. Quota enforcement lives in
// the rooms service; this layer only translates errors to HTTP.
type RoomController struct {
	svc *rooms.Service
}

func NewRoomController(svc *rooms.Service) *RoomController {
	return &RoomController{svc: svc}
}

type createRoomRequest struct {
	Name string `json:"name"`
}

func (rc *RoomController) HandleCreate(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
	}

	var req createRoomRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request"})
	}

	owner, err := repository.GetGlobalFactory().GetUserRepository().GetByID(userCtx.UserID)
	if err != nil {
		log.Errorf("room create: owner lookup failed for user %d: %v", userCtx.UserID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "owner_lookup_failed"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	room, err := rc.svc.Create(ctx, owner, strings.TrimSpace(req.Name))
	if err != nil {
		if errors.Is(err, rooms.ErrRoomLimitReached) {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "room_limit_reached", "message": err.Error()})
		}
		log.Errorf("room create failed for user %d: %v", userCtx.UserID, err)
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": "room_create_failed"})
	}

	return c.Status(fiber.StatusCreated).JSON(room)
}

func (rc *RoomController) HandleList(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	list, err := rc.svc.List(ctx, userCtx.UserID)
	if err != nil {
		log.Errorf("room list failed for user %d: %v", userCtx.UserID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "room_list_failed"})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{"rooms": list, "count": len(list)})
}

func (rc *RoomController) HandleDelete(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
	}

	roomUUID := strings.TrimSpace(c.Params("uuid"))
	if roomUUID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "missing_room_id"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := rc.svc.DeleteByUUID(ctx, userCtx.UserID, roomUUID); err != nil {
		if errors.Is(err, rooms.ErrRoomNotFound) || errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "room_not_found"})
		}
		log.Errorf("room delete failed for user %d room %s: %v", userCtx.UserID, roomUUID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "room_delete_failed"})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true})
}
