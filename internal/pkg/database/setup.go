package database

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/droplink/droplink-api/app/models"
	"github.com/droplink/droplink-api/internal/pkg/env"
)

const maxRetries = 5
const retryDelay = 5 * time.Second

var DB *gorm.DB

// GetDB returns the shared database handle, nil before SetupDatabase.
func GetDB() *gorm.DB {
	return DB
}

// DSN builds the Postgres connection string from the environment.
func DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
		env.GetEnv("DB_HOST", "127.0.0.1"),
		env.GetEnv("DB_USER", "postgres"),
		env.GetEnv("DB_PASSWORD", ""),
		env.GetEnv("DB_NAME", "droplink"),
		env.GetEnv("DB_PORT", "5432"),
		env.GetEnv("DB_SSLMODE", "disable"),
	)
}

func SetupDatabase() {
	var err error
	logLevel := gormlogger.Warn
	if env.IsDev() {
		logLevel = gormlogger.Info
	}

	for i := 0; i < maxRetries; i++ {
		DB, err = gorm.Open(postgres.New(postgres.Config{
			DSN:                  DSN(),
			PreferSimpleProtocol: true, // Supabase pooler (pgbouncer) rejects prepared statements
		}), &gorm.Config{
			Logger: gormlogger.Default.LogMode(logLevel),
			NowFunc: func() time.Time {
				return time.Now().UTC()
			},
		})
		if err == nil {
			// Schema is owned by cmd/migrate in production; AutoMigrate keeps
			// dev databases usable without running migrations first.
			if env.IsDev() {
				if mErr := DB.AutoMigrate(
					&models.Profile{},
					&models.Subscription{},
					&models.PaymentLedger{},
					&models.PaymentWebhookEvent{},
				); mErr != nil {
					logrus.WithError(mErr).Warn("auto migration failed")
				}
			}
			return
		}

		logrus.WithError(err).Warnf("failed to connect to database (try %d/%d)", i+1, maxRetries)
		if i < maxRetries-1 {
			logrus.Infof("retrying in %v...", retryDelay)
			time.Sleep(retryDelay)
		}
	}

	if err != nil {
		panic(err)
	}
}
