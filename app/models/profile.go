package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Profile is a creator's public page. Identities (Pi usernames) resolve to
// at most one profile.
type Profile struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Username    string    `gorm:"type:varchar(100);not null;uniqueIndex:ux_profiles_username" json:"username"`
	PiUID       string    `gorm:"type:varchar(191);default:''" json:"pi_uid"`
	DisplayName string    `gorm:"type:varchar(200);default:''" json:"display_name"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// BeforeCreate assigns a UUID when the caller did not.
func (p *Profile) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}
