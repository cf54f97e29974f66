package repository

import (
	"github.com/ManuelReschke/RoomFox/app/models"
	"gorm.io/gorm"
)

// roomRepository implements the RoomRepository interface
type roomRepository struct {
	db *gorm.DB
}

// NewRoomRepository creates a new room repository instance
func NewRoomRepository(db *gorm.DB) RoomRepository {
	return &roomRepository{db: db}
}

// Create creates a new room in the database
func (r *roomRepository) Create(room *models.Room) error {
	return r.db.Create(room).Error
}

// GetByID retrieves a room by its ID
func (r *roomRepository) GetByID(id uint) (*models.Room, error) {
	var room models.Room
	err := r.db.First(&room, id).Error
	if err != nil {
		return nil, err
	}
	return &room, nil
}

// GetByUUID retrieves a room by its UUID
func (r *roomRepository) GetByUUID(uuid string) (*models.Room, error) {
	var room models.Room
	err := r.db.Where("uuid = ?", uuid).First(&room).Error
	if err != nil {
		return nil, err
	}
	return &room, nil
}

// GetByOwnerID retrieves all rooms owned by the given user
func (r *roomRepository) GetByOwnerID(ownerID uint) ([]models.Room, error) {
	var rooms []models.Room
	err := r.db.Where("owner_id = ?", ownerID).Order("created_at ASC").Find(&rooms).Error
	return rooms, err
}

// CountByOwnerID returns the number of rooms owned by the given user
func (r *roomRepository) CountByOwnerID(ownerID uint) (int64, error) {
	var count int64
	err := r.db.Model(&models.Room{}).Where("owner_id = ?", ownerID).Count(&count).Error
	return count, err
}

// Update updates an existing room in the database
func (r *roomRepository) Update(room *models.Room) error {
	return r.db.Save(room).Error
}

// Delete removes a room from the database
func (r *roomRepository) Delete(id uint) error {
	return r.db.Delete(&models.Room{}, id).Error
}
