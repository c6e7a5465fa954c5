package database

import (
	"fmt"
	"log"

	"github.com/tunneldl/api/config"
	"github.com/tunneldl/api/models"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Connect opens the job history database. Postgres is used when DATABASE_URL is set,
// otherwise a sqlite file inside DATA_DIR.
func Connect(cfg *config.Config) (*gorm.DB, error) {
	logLevel := logger.Silent
	if cfg.Env == "development" {
		logLevel = logger.Info
	}

	var dialector gorm.Dialector
	if cfg.DatabaseURL != "" {
		dialector = postgres.Open(cfg.DatabaseURL)
	} else {
		dialector = sqlite.Open(cfg.SQLitePath() + "?_busy_timeout=5000&_journal_mode=WAL")
	}

	db, err := Open(dialector, logLevel)
	if err != nil {
		return nil, err
	}

	log.Printf("Database connected successfully (%s)", dialector.Name())
	return db, nil
}

// Open wraps gorm.Open with the settings every backend shares
func Open(dialector gorm.Dialector, logLevel logger.LogLevel) (*gorm.DB, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logLevel),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", dialector.Name(), err)
	}
	return db, nil
}

func Migrate(db *gorm.DB) error {
	log.Println("Running database migrations...")

	err := db.AutoMigrate(
		&models.Download{},
		&models.Category{},
		&models.ShareLink{},
	)
	if err != nil {
		return err
	}

	log.Println("Database migrations completed")
	return nil
}

func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
