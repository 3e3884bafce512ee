package repository

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/droplink/droplink-api/app/models"
)

// profileRepository implements the ProfileRepository interface
type profileRepository struct {
	db *gorm.DB
}

// NewProfileRepository creates a new profile repository instance
func NewProfileRepository(db *gorm.DB) ProfileRepository {
	return &profileRepository{db: db}
}

// FindProfileIDByUsername resolves a Pi username to its profile id.
// Usernames match case-insensitively; absence is gorm.ErrRecordNotFound.
func (r *profileRepository) FindProfileIDByUsername(ctx context.Context, username string) (uuid.UUID, error) {
	profile, err := r.GetByUsername(ctx, username)
	if err != nil {
		return uuid.Nil, err
	}
	return profile.ID, nil
}

// GetByUsername retrieves a profile by its Pi username
func (r *profileRepository) GetByUsername(ctx context.Context, username string) (*models.Profile, error) {
	name := strings.TrimSpace(username)
	if name == "" {
		return nil, gorm.ErrRecordNotFound
	}
	var profile models.Profile
	err := r.db.WithContext(ctx).
		Where("LOWER(username) = LOWER(?)", name).
		Order("created_at ASC").
		First(&profile).Error
	if err != nil {
		return nil, err
	}
	return &profile, nil
}

// GetByID retrieves a profile by its id
func (r *profileRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Profile, error) {
	var profile models.Profile
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&profile).Error; err != nil {
		return nil, err
	}
	return &profile, nil
}
