package symbolserver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/semaphore"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"symbold/pkg/db"
	"symbold/pkg/db/models"
	"symbold/pkg/symbols"
)

// ErrMetadataBusy is returned when no metadata read slot frees up in time.
var ErrMetadataBusy = errors.New("metadata store busy")

// Record is a symbol file registered by a build.
type Record struct {
	BuildID      int64
	Key          string
	Signature    string
	FileName     string
	ArtifactPath string
}

// RecordFields converts a record to the metadata fields stored for it.
func RecordFields(rec Record) map[string]string {
	return map[string]string{
		symbols.FieldSign:         rec.Signature,
		symbols.FieldFileName:     rec.FileName,
		symbols.FieldArtifactPath: rec.ArtifactPath,
	}
}

func recordFromFields(buildID int64, key string, fields map[string]string) Record {
	return Record{
		BuildID:      buildID,
		Key:          key,
		Signature:    fields[symbols.FieldSign],
		FileName:     fields[symbols.FieldFileName],
		ArtifactPath: fields[symbols.FieldArtifactPath],
	}
}

// MetadataStore persists build metadata records by provider and key.
type MetadataStore interface {
	AddRecord(ctx context.Context, buildID int64, providerID, key string, fields map[string]string) error
	// GetByKey matches key case-insensitively.
	GetByKey(ctx context.Context, providerID, key string) ([]Record, error)
	RemoveBuild(ctx context.Context, buildID int64, providerID string) error
}

// PostgresMetadata stores records in the build_metadata table. Reads share a
// bounded number of slots.
type PostgresMetadata struct {
	pool        *pgxpool.Pool
	orm         *gorm.DB
	reads       *semaphore.Weighted
	readTimeout time.Duration
	metrics     *Metrics
}

// NewPostgresMetadata allows maxReads concurrent lookups, each waiting at most
// readTimeout for a slot.
func NewPostgresMetadata(pool *pgxpool.Pool, orm *gorm.DB, maxReads int, readTimeout time.Duration, metrics *Metrics) (*PostgresMetadata, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	if maxReads <= 0 {
		maxReads = 10
	}
	if readTimeout <= 0 {
		readTimeout = 150 * time.Second
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &PostgresMetadata{
		pool:        pool,
		orm:         orm,
		reads:       semaphore.NewWeighted(int64(maxReads)),
		readTimeout: readTimeout,
		metrics:     metrics,
	}, nil
}

func (m *PostgresMetadata) AddRecord(ctx context.Context, buildID int64, providerID, key string, fields map[string]string) error {
	data := make(datatypes.JSONMap, len(fields))
	for k, v := range fields {
		data[k] = v
	}
	row := models.BuildMetadata{
		ID:          uuid.New(),
		BuildID:     buildID,
		ProviderID:  providerID,
		MetadataKey: key,
		Metadata:    data,
	}
	if err := m.orm.WithContext(ctx).Omit("Build").Create(&row).Error; err != nil {
		return fmt.Errorf("add metadata %s: %w", key, err)
	}
	return nil
}

type metadataRow struct {
	BuildID     int64             `db:"build_id"`
	MetadataKey string            `db:"metadata_key"`
	Metadata    map[string]string `db:"metadata"`
}

func (m *PostgresMetadata) GetByKey(ctx context.Context, providerID, key string) ([]Record, error) {
	if err := m.acquire(ctx); err != nil {
		return nil, err
	}
	defer m.reads.Release(1)

	var rows []metadataRow
	err := db.Select(ctx, m.pool, &rows, `
        SELECT build_id, metadata_key, metadata
        FROM build_metadata
        WHERE provider_id = $1 AND lower(metadata_key) = lower($2)
        ORDER BY created_at DESC, build_id DESC`, providerID, key)
	if err != nil {
		return nil, fmt.Errorf("get metadata %s: %w", key, err)
	}

	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, recordFromFields(row.BuildID, row.MetadataKey, row.Metadata))
	}
	return records, nil
}

func (m *PostgresMetadata) RemoveBuild(ctx context.Context, buildID int64, providerID string) error {
	err := m.orm.WithContext(ctx).
		Where("build_id = ? AND provider_id = ?", buildID, providerID).
		Delete(&models.BuildMetadata{}).Error
	if err != nil {
		return fmt.Errorf("remove metadata of build %d: %w", buildID, err)
	}
	return nil
}

func (m *PostgresMetadata) acquire(ctx context.Context) error {
	m.metrics.MetadataWaiting.Inc()
	defer m.metrics.MetadataWaiting.Dec()

	waitCtx, cancel := context.WithTimeout(ctx, m.readTimeout)
	defer cancel()
	if err := m.reads.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: no read slot within %s", ErrMetadataBusy, m.readTimeout)
	}
	return nil
}

var _ MetadataStore = (*PostgresMetadata)(nil)
