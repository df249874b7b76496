package db

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/yungbote/taskmesh-backend/internal/domain"
	"github.com/yungbote/taskmesh-backend/internal/platform/envutil"
	"github.com/yungbote/taskmesh-backend/internal/platform/logger"
)

type PostgresService struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewPostgresService(log *logger.Logger) (*PostgresService, error) {
	serviceLog := log.With("service", "PostgresService")

	host := envutil.Str("POSTGRES_HOST", "localhost")
	port := envutil.Str("POSTGRES_PORT", "5432")
	user := envutil.Str("POSTGRES_USER", "postgres")
	password := envutil.Str("POSTGRES_PASSWORD", "")
	name := envutil.Str("POSTGRES_NAME", "taskmesh")

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port, name)

	serviceLog.Info("Connecting to Postgres...", "host", host, "db", name)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if err := db.Exec(`CREATE EXTENSION IF NOT EXISTS "uuid-ossp";`).Error; err != nil {
		return nil, fmt.Errorf("enable uuid-ossp extension: %w", err)
	}

	return &PostgresService{db: db, log: serviceLog}, nil
}

func (s *PostgresService) AutoMigrateAll() error {
	s.log.Info("Auto migrating postgres tables...")
	err := s.db.AutoMigrate(
		&domain.Run{},
		&domain.RunCheckpoint{},
		&domain.IdempotencyRecord{},
		&domain.TenantBinding{},
	)
	if err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

func (s *PostgresService) DB() *gorm.DB {
	return s.db
}
