package symbolserver

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"symbold/pkg/db/models"
)

// ErrBuildNotFound is returned for builds the registry does not know.
var ErrBuildNotFound = errors.New("build not found")

// Build is the part of a build the download path needs.
type Build struct {
	ID        int64
	ProjectID string
	Number    string
}

// BuildRegistry resolves builds by id.
type BuildRegistry interface {
	FindBuild(ctx context.Context, id int64) (Build, error)
	UpsertBuild(ctx context.Context, b Build) error
}

// GormBuildRegistry keeps builds in the builds table.
type GormBuildRegistry struct {
	orm *gorm.DB
}

func NewGormBuildRegistry(orm *gorm.DB) (*GormBuildRegistry, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	return &GormBuildRegistry{orm: orm}, nil
}

func (r *GormBuildRegistry) FindBuild(ctx context.Context, id int64) (Build, error) {
	var row models.Build
	err := r.orm.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Build{}, fmt.Errorf("%w: %d", ErrBuildNotFound, id)
	}
	if err != nil {
		return Build{}, fmt.Errorf("find build %d: %w", id, err)
	}
	return Build{ID: row.ID, ProjectID: row.ProjectID, Number: row.Number}, nil
}

// UpsertBuild registers b, updating the project and number of a known build.
func (r *GormBuildRegistry) UpsertBuild(ctx context.Context, b Build) error {
	if b.ID <= 0 {
		return errors.New("build id is required")
	}
	if b.ProjectID == "" {
		return errors.New("project id is required")
	}
	row := models.Build{ID: b.ID, ProjectID: b.ProjectID, Number: b.Number}
	err := r.orm.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"project_id", "number", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("upsert build %d: %w", b.ID, err)
	}
	return nil
}
