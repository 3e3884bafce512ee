package repository

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/droplink/droplink-api/app/models"
)

// ProfileRepository defines the interface for profile-related database operations
type ProfileRepository interface {
	FindProfileIDByUsername(ctx context.Context, username string) (uuid.UUID, error)
	GetByUsername(ctx context.Context, username string) (*models.Profile, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.Profile, error)
}

// Repositories struct holds all repository instances
type Repositories struct {
	Profile ProfileRepository
}

// NewRepositories creates a new instance of all repositories
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		Profile: NewProfileRepository(db),
	}
}
