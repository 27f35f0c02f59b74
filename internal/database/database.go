package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	"careline/internal/config"
	"careline/internal/models"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	gormtracing "gorm.io/plugin/opentelemetry/tracing"
)

// Open connects to the configured database and applies pool settings.
func Open(cfg *config.Config, logger *logrus.Logger) (*gorm.DB, error) {
	if logger == nil {
		logger = logrus.New()
	}

	var dialector gorm.Dialector
	switch strings.ToLower(cfg.Database.Driver) {
	case "mysql":
		dialector = mysql.Open(cfg.Database.DSN())
	case "sqlite":
		dialector = sqlite.Open(cfg.Database.DSN())
	case "postgres", "":
		dialector = postgres.Open(cfg.Database.DSN())
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}

	logMode := gormlogger.Warn
	if logger.IsLevelEnabled(logrus.DebugLevel) {
		logMode = gormlogger.Info
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:  gormlogger.Default.LogMode(logMode),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.Database.Driver, err)
	}

	if cfg.Monitoring.Tracing.Enabled {
		if err := db.Use(gormtracing.NewPlugin()); err != nil {
			logger.Warnf("gorm tracing plugin: %v", err)
		}
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("database handle: %w", err)
	}
	if cfg.Database.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}
	if cfg.Database.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	}
	if cfg.Database.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
	}

	logger.WithFields(logrus.Fields{
		"driver":         cfg.Database.Driver,
		"max_open_conns": cfg.Database.MaxOpenConns,
	}).Info("Database connected")
	return db, nil
}

// compositeIndexes back the "active conversation" lookup and the recent listings.
var compositeIndexes = []string{
	"CREATE INDEX IF NOT EXISTS idx_conversations_session_status_start ON conversations(session_id, status, start_time)",
	"CREATE INDEX IF NOT EXISTS idx_messages_conversation_sent ON messages(conversation_id, sent_at)",
	"CREATE INDEX IF NOT EXISTS idx_sessions_user_start ON sessions(user_id, start_time)",
	"CREATE INDEX IF NOT EXISTS idx_leads_type_created ON leads(lead_type, created_at)",
}

// Migrate creates or updates every table and the composite indexes.
func Migrate(db *gorm.DB, logger *logrus.Logger) error {
	if logger == nil {
		logger = logrus.New()
	}
	if err := db.AutoMigrate(models.All()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	// mysql has no CREATE INDEX IF NOT EXISTS
	if db.Dialector.Name() == "mysql" {
		return nil
	}
	for _, stmt := range compositeIndexes {
		if err := db.Exec(stmt).Error; err != nil {
			logger.Warnf("create index: %v", err)
		}
	}
	return nil
}

// Ping checks connectivity.
func Ping(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
