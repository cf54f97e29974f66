package rooms

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/RoomFox/app/models"
)

var (
	// ErrRoomLimitReached rejects creation once the effective quota is used
	// up. The effective limit is zero during a grace period.
	ErrRoomLimitReached = errors.New("room limit reached for current plan")
	// ErrRoomNotFound is returned for unknown or foreign room identifiers.
	ErrRoomNotFound = errors.New("room not found")
)

// Service owns room lifecycle against plan quotas. It doubles as the bulk
// deletion collaborator the billing engine invokes at grace-period expiry.
type Service struct {
	db *gorm.DB
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// Create adds a room for the owner if the effective quota allows another one.
func (s *Service) Create(ctx context.Context, owner *models.User, name string) (*models.Room, error) {
	name = strings.TrimSpace(name)
	room := &models.Room{Name: name, OwnerID: owner.ID}
	if err := room.Validate(); err != nil {
		return nil, err
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&models.Room{}).Where("owner_id = ?", owner.ID).Count(&count).Error; err != nil {
		return nil, err
	}
	limit := owner.EffectiveRoomLimit()
	if int(count) >= limit {
		return nil, fmt.Errorf("%w: %d of %d used", ErrRoomLimitReached, count, limit)
	}

	if err := s.db.WithContext(ctx).Create(room).Error; err != nil {
		return nil, err
	}
	return room, nil
}

// List returns the owner's rooms.
func (s *Service) List(ctx context.Context, ownerID uint) ([]models.Room, error) {
	var out []models.Room
	err := s.db.WithContext(ctx).Where("owner_id = ?", ownerID).Find(&out).Error
	return out, err
}

// DeleteByUUID removes a single room owned by the given user.
func (s *Service) DeleteByUUID(ctx context.Context, ownerID uint, roomUUID string) error {
	tx := s.db.WithContext(ctx).Where("owner_id = ? AND uuid = ?", ownerID, roomUUID).Delete(&models.Room{})
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrRoomNotFound
	}
	return nil
}

// DeleteRoom implements the billing engine's deletion collaborator for one
// room row.
func (s *Service) DeleteRoom(ctx context.Context, room models.Room) error {
	tx := s.db.WithContext(ctx).Where("id = ?", room.ID).Delete(&models.Room{})
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrRoomNotFound
	}
	log.Infof("[Rooms] room %s (owner %d) deleted", room.UUID, room.OwnerID)
	return nil
}
