package initialize

import (
	"fmt"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/fredppm/DisplayOps-sub003/config"
	"github.com/fredppm/DisplayOps-sub003/model"
)

// NewDatabase opens the sqlite database and migrates the fleet tables.
// The driver is a pure Go sqlite implementation, which avoids CGO and keeps
// cross-compilation simple.
func NewDatabase(cfg *config.Config, logger *zap.Logger) (*gorm.DB, error) {
	dsn := cfg.Database.Path
	if cfg.Database.UseDebugDb {
		dsn = "file::memory:?cache=shared"
		logger.Warn("debug database enabled, state will not survive restarts",
			zap.String("dsn", dsn))
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", dsn, err)
	}

	if err := db.AutoMigrate(
		&model.ControllerRecord{},
		&model.Dashboard{},
		&model.CookieDomain{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate database tables: %w", err)
	}

	return db, nil
}
