// internal/database/connection.go
package database

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/javajoker/accredit-backend/internal/config"
	"github.com/javajoker/accredit-backend/internal/models"
)

func Initialize(cfg config.DatabaseConfig) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger:         logger.Default.LogMode(logLevel(cfg.LogLevel)),
		TranslateError: true,
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN()), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.MaxLifetime) * time.Second)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logrus.Info("Database connection established successfully")
	return db, nil
}

func logLevel(level string) logger.LogLevel {
	switch level {
	case "silent":
		return logger.Silent
	case "error":
		return logger.Error
	case "info":
		return logger.Info
	default:
		return logger.Warn
	}
}

func Close(db *gorm.DB) {
	sqlDB, err := db.DB()
	if err != nil {
		logrus.WithError(err).Error("Error getting underlying sql.DB")
		return
	}

	if err := sqlDB.Close(); err != nil {
		logrus.WithError(err).Error("Error closing database connection")
	} else {
		logrus.Info("Database connection closed successfully")
	}
}

func RunMigrations(db *gorm.DB) error {
	logrus.Info("Running database migrations...")

	if err := db.Exec("CREATE EXTENSION IF NOT EXISTS \"pgcrypto\"").Error; err != nil {
		return fmt.Errorf("failed to create pgcrypto extension: %w", err)
	}

	err := db.AutoMigrate(
		&models.Party{},
		&models.Course{},
		&models.CoursePrice{},
		&models.PartyAuthorization{},
		&models.DiscountCode{},
		&models.Transaction{},
		&models.CommissionLedgerEntry{},
		&models.Transfer{},
		&models.CodeBatch{},
		&models.IssuedCode{},
		&models.WebhookEvent{},
		&models.AuditLog{},
		&models.Notification{},
	)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := createIndexes(db); err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}

	logrus.Info("Database migrations completed successfully")
	return nil
}

// requiredIndexes back correctness guarantees; a failure aborts migration.
var requiredIndexes = []string{
	"CREATE UNIQUE INDEX IF NOT EXISTS uniq_transfers_completed_txn ON transfers(transaction_id) WHERE status = 'completed'",
	"CREATE UNIQUE INDEX IF NOT EXISTS uniq_transfers_idempotency_key ON transfers(idempotency_key)",
}

var performanceIndexes = []string{
	// Pricing
	"CREATE INDEX IF NOT EXISTS idx_course_prices_lookup ON course_prices(course_id, party_id, effective_from DESC)",

	// Transactions
	"CREATE INDEX IF NOT EXISTS idx_transactions_payer_created ON transactions(payer_id, created_at DESC)",
	"CREATE INDEX IF NOT EXISTS idx_transactions_payee_created ON transactions(payee_id, created_at DESC)",
	"CREATE INDEX IF NOT EXISTS idx_transactions_type_status ON transactions(transaction_type, status)",

	// Settlement
	"CREATE INDEX IF NOT EXISTS idx_transfers_retry ON transfers(status, retry_count, updated_at)",

	// Audit
	"CREATE INDEX IF NOT EXISTS idx_audit_logs_party_action ON audit_logs(party_id, action)",
	"CREATE INDEX IF NOT EXISTS idx_audit_logs_resource ON audit_logs(resource_type, resource_id)",
	"CREATE INDEX IF NOT EXISTS idx_audit_logs_created ON audit_logs(created_at DESC)",
	"CREATE INDEX IF NOT EXISTS idx_notifications_recipient ON notifications(recipient_id, status, created_at DESC)",
}

func createIndexes(db *gorm.DB) error {
	for _, index := range requiredIndexes {
		if err := db.Exec(index).Error; err != nil {
			return fmt.Errorf("%s: %w", index, err)
		}
	}

	for _, index := range performanceIndexes {
		if err := db.Exec(index).Error; err != nil {
			logrus.WithError(err).WithField("index", index).Warn("Failed to create index")
			// Continue with other indexes instead of failing completely
		}
	}

	return nil
}

// SeedInitialData makes sure a platform party exists to receive commission.
func SeedInitialData(db *gorm.DB) (*models.Party, error) {
	logrus.Info("Seeding initial data...")

	var platform models.Party
	err := db.Where("party_type = ?", models.PartyTypePlatform).First(&platform).Error
	if err == nil {
		return &platform, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("failed to look up platform party: %w", err)
	}

	platform = models.Party{
		Name:      "Accredit",
		PartyType: models.PartyTypePlatform,
		Status:    models.PartyStatusActive,
	}
	if err := db.Create(&platform).Error; err != nil {
		return nil, fmt.Errorf("failed to create platform party: %w", err)
	}

	logrus.WithField("party_id", platform.ID).Info("Platform party created")
	return &platform, nil
}
