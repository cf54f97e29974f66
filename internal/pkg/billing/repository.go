package billing

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/RoomFox/app/models"
	"github.com/ManuelReschke/RoomFox/internal/pkg/entitlements"
)

// Repository provides DB operations used by the subscription service. It is
// the two-way bridge between engine state and the durable user record.
type Repository interface {
	GetUserByID(userID uint) (*models.User, error)
	GetUserByAppUserID(appUserID string) (*models.User, error)
	// GetSubscriptionFields reads the persisted subscription mirror (pull).
	GetSubscriptionFields(userID uint) (*SubscriptionFields, error)
	// SaveSubscriptionFields writes the subscription mirror (push).
	SaveSubscriptionFields(userID uint, fields SubscriptionFields) error
	ListOwnedRooms(userID uint) ([]models.Room, error)
	CountOwnedRooms(userID uint) (int64, error)
	// ResetAfterGraceExpiry clears the subscription mirror and removes any
	// room rows that survived the per-room delete loop.
	ResetAfterGraceExpiry(userID uint) error
	// ListUsersInGracePeriod returns users with a pending grace deadline so
	// timers can be re-armed after a restart.
	ListUsersInGracePeriod() ([]models.User, error)
	CreateWebhookEventIfNotExists(event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error)
	MarkWebhookProcessed(id uint, processingError string) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a subscription repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) GetUserByID(userID uint) (*models.User, error) {
	var u models.User
	if err := r.db.First(&u, userID).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *gormRepository) GetUserByAppUserID(appUserID string) (*models.User, error) {
	var u models.User
	if err := r.db.Where("billing_app_user_id = ?", appUserID).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *gormRepository) GetSubscriptionFields(userID uint) (*SubscriptionFields, error) {
	u, err := r.GetUserByID(userID)
	if err != nil {
		return nil, err
	}
	return &SubscriptionFields{
		Plan:           u.Plan(),
		RoomLimit:      u.RoomLimit,
		GracePeriodEnd: u.GracePeriodEnd,
		InGracePeriod:  u.IsInGracePeriod,
	}, nil
}

func (r *gormRepository) SaveSubscriptionFields(userID uint, fields SubscriptionFields) error {
	updates := map[string]interface{}{
		"subscription_plan":  string(fields.Plan),
		"room_limit":         fields.RoomLimit,
		"grace_period_end":   fields.GracePeriodEnd,
		"is_in_grace_period": fields.InGracePeriod,
	}
	return r.db.Model(&models.User{}).Where("id = ?", userID).Updates(updates).Error
}

func (r *gormRepository) ListOwnedRooms(userID uint) ([]models.Room, error) {
	var rooms []models.Room
	err := r.db.Where("owner_id = ?", userID).Find(&rooms).Error
	return rooms, err
}

func (r *gormRepository) CountOwnedRooms(userID uint) (int64, error) {
	var count int64
	err := r.db.Model(&models.Room{}).Where("owner_id = ?", userID).Count(&count).Error
	return count, err
}

func (r *gormRepository) ResetAfterGraceExpiry(userID uint) error {
	if err := r.db.Where("owner_id = ?", userID).Delete(&models.Room{}).Error; err != nil {
		return err
	}
	return r.SaveSubscriptionFields(userID, SubscriptionFields{
		Plan:           entitlements.PlanNone,
		RoomLimit:      0,
		GracePeriodEnd: nil,
		InGracePeriod:  false,
	})
}

func (r *gormRepository) ListUsersInGracePeriod() ([]models.User, error) {
	var users []models.User
	err := r.db.
		Where("is_in_grace_period = ? AND grace_period_end IS NOT NULL", true).
		Find(&users).Error
	return users, err
}

func (r *gormRepository) CreateWebhookEventIfNotExists(event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "provider_event_id"}},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.BillingWebhookEvent
	if err := r.db.Where("provider_event_id = ?", event.ProviderEventID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) MarkWebhookProcessed(id uint, processingError string) error {
	now := time.Now()
	updates := map[string]interface{}{
		"processed_at":     &now,
		"processing_error": processingError,
	}
	return r.db.Model(&models.BillingWebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}
