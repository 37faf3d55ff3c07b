// Package models describes the symbol server tables as gorm models.
package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Build is a build whose artifacts the symbol server serves.
type Build struct {
	ID        int64     `gorm:"primaryKey;autoIncrement:false"`
	ProjectID string    `gorm:"type:text;not null;index"`
	Number    string    `gorm:"type:text"`
	CreatedAt time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt time.Time `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

// BuildMetadata is one record written by a metadata provider for a build.
type BuildMetadata struct {
	ID          uuid.UUID         `gorm:"type:uuid;primaryKey"`
	BuildID     int64             `gorm:"not null;index"`
	ProviderID  string            `gorm:"type:text;not null"`
	MetadataKey string            `gorm:"type:text;not null"`
	Metadata    datatypes.JSONMap `gorm:"type:jsonb;not null"`
	CreatedAt   time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`

	Build Build `gorm:"foreignKey:BuildID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

func (BuildMetadata) TableName() string { return "build_metadata" }

// AccessToken authenticates a principal on the download endpoints.
type AccessToken struct {
	ID        uuid.UUID  `gorm:"type:uuid;primaryKey"`
	Principal string     `gorm:"type:text;not null;index"`
	Token     string     `gorm:"type:text;uniqueIndex;not null"`
	ExpiresAt *time.Time `gorm:"type:timestamptz"`
	Revoked   bool       `gorm:"type:boolean;not null;default:false"`
	CreatedAt time.Time  `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

// ProjectGrant gives a principal a permission on a project.
type ProjectGrant struct {
	ID         int64     `gorm:"type:bigserial;primaryKey"`
	Principal  string    `gorm:"type:text;not null;uniqueIndex:project_grants_unique"`
	ProjectID  string    `gorm:"type:text;not null;uniqueIndex:project_grants_unique"`
	Permission string    `gorm:"type:text;not null;uniqueIndex:project_grants_unique"`
	CreatedAt  time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}
