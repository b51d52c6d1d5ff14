package checkpoint

import (
	"context"
	"errors"
	"fmt"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// DatabaseConfig configures the SQL-backed store.
type DatabaseConfig struct {
	// Driver is one of "sqlite", "postgres", "mysql".
	Driver string `yaml:"driver" json:"driver"`
	// DSN is the driver-specific connection string. For sqlite this is the
	// database file path, or ":memory:" for tests.
	DSN string `yaml:"dsn" json:"dsn"`
}

// GormStore persists checkpoints in a relational database through gorm.
// SQLite covers embedded deployments; Postgres and MySQL cover shared ones.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the database and migrates the checkpoints table.
func NewGormStore(config DatabaseConfig) (*GormStore, error) {
	var dialector gorm.Dialector
	switch config.Driver {
	case "sqlite", "":
		dsn := config.DSN
		if dsn == "" {
			dsn = "flowguard.db"
		}
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(config.DSN)
	case "mysql":
		dialector = mysql.Open(config.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", config.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.AutoMigrate(&Checkpoint{}); err != nil {
		return nil, fmt.Errorf("migrate checkpoints table: %w", err)
	}
	return &GormStore{db: db}, nil
}

// NewGormStoreWithDB wraps an existing gorm handle; used by tests.
func NewGormStoreWithDB(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&Checkpoint{}); err != nil {
		return nil, fmt.Errorf("migrate checkpoints table: %w", err)
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) Save(ctx context.Context, cp *Checkpoint) (string, error) {
	// Ignore conflicts on the primary key: replayed saves of an append-only
	// record must succeed without touching the stored row.
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(cp).Error
	if err != nil {
		return "", fmt.Errorf("save checkpoint: %w", err)
	}
	return cp.ID, nil
}

func (s *GormStore) Load(ctx context.Context, id string) (*Checkpoint, error) {
	var cp Checkpoint
	err := s.db.WithContext(ctx).First(&cp, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return &cp, nil
}

func (s *GormStore) LoadLatest(ctx context.Context, workflowID string) (*Checkpoint, error) {
	var cp Checkpoint
	err := s.db.WithContext(ctx).
		Where("workflow_id = ?", workflowID).
		Order("timestamp DESC").
		First(&cp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load latest checkpoint: %w", err)
	}
	return &cp, nil
}

func (s *GormStore) List(ctx context.Context, workflowID string) ([]*Checkpoint, error) {
	var results []*Checkpoint
	err := s.db.WithContext(ctx).
		Where("workflow_id = ?", workflowID).
		Order("timestamp ASC").
		Find(&results).Error
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	return results, nil
}

func (s *GormStore) Delete(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&Checkpoint{}, "id = ?", id).Error
}

var _ Store = (*GormStore)(nil)
