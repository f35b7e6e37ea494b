package config

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"unibox/models"
)

// ConnectDB opens the configured database, tunes its pool and migrates the schema
func ConnectDB(log *logrus.Entry) (*gorm.DB, error) {
	log.Info("Attempting to connect to database...")

	gormConfig := &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)}

	var (
		db  *gorm.DB
		err error
	)
	switch AppConfig.DBDriver {
	case "sqlite":
		log.WithField("path", AppConfig.DBPath).Info("Using sqlite database")
		db, err = OpenSQLite(AppConfig.DBPath, gormConfig)
		if err != nil {
			return nil, err
		}
	default:
		dsn := fmt.Sprintf(
			"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
			AppConfig.DBHost,
			AppConfig.DBPort,
			AppConfig.DBUser,
			AppConfig.DBPassword,
			AppConfig.DBName,
			AppConfig.DBSSLMode,
		)
		log.Info("Using connection string: ", maskPassword(dsn))

		db, err = gorm.Open(postgres.Open(dsn), gormConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get DB instance: %w", err)
		}
		sqlDB.SetMaxIdleConns(AppConfig.DBMaxIdleConns)
		sqlDB.SetMaxOpenConns(AppConfig.DBMaxOpenConns)
		sqlDB.SetConnMaxLifetime(time.Hour)
		sqlDB.SetConnMaxIdleTime(30 * time.Minute)

		if err := sqlDB.Ping(); err != nil {
			return nil, fmt.Errorf("database ping failed: %w", err)
		}
	}

	log.Info("Successfully connected to the database")
	log.Info("Starting database migration...")
	if err := MigrateDB(db); err != nil {
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	log.Info("Database migration completed")
	return db, nil
}

// OpenSQLite opens a sqlite database. Writes are funneled through one connection,
// which also keeps shared-cache in-memory databases alive for the pool's lifetime.
func OpenSQLite(path string, gormConfig *gorm.Config) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to initialize sqlite backend: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("unable to configure sqlite connection pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)
	return db, nil
}

// MigrateDB creates or updates the messages, conversations and sync_cursors tables
func MigrateDB(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Message{},
		&models.Conversation{},
		&models.SyncCursor{},
	)
}
