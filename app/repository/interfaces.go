package repository

import (
	"github.com/ManuelReschke/RoomFox/app/models"
	"gorm.io/gorm"
)

// UserRepository defines the interface for user-related database operations
type UserRepository interface {
	Create(user *models.User) error
	GetByID(id uint) (*models.User, error)
	GetByEmail(email string) (*models.User, error)
	GetByBillingAppUserID(appUserID string) (*models.User, error)
	GetByAPIKeyHash(hash string) (*models.User, error)
	Update(user *models.User) error
	Delete(id uint) error
	List(offset, limit int) ([]models.User, error)
	Count() (int64, error)
}

// RoomRepository defines the interface for room-related database operations
type RoomRepository interface {
	Create(room *models.Room) error
	GetByID(id uint) (*models.Room, error)
	GetByUUID(uuid string) (*models.Room, error)
	GetByOwnerID(ownerID uint) ([]models.Room, error)
	CountByOwnerID(ownerID uint) (int64, error)
	Update(room *models.Room) error
	Delete(id uint) error
}

// Repositories struct holds all repository instances
type Repositories struct {
	User UserRepository
	Room RoomRepository
}

// NewRepositories creates all repository instances backed by the given DB
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		User: NewUserRepository(db),
		Room: NewRoomRepository(db),
	}
}
