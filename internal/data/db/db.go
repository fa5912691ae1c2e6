package db

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/yungbote/graphstage/internal/domain/ingest"
	"github.com/yungbote/graphstage/internal/platform/logger"
)

// Open connects to the ledger database named by dsn and migrates its tables.
// postgres:// and postgresql:// URLs (or key=value DSNs with host=) use Postgres;
// sqlite:<path>, file:<path> and *.db paths use SQLite.
func Open(dsn string, logg *logger.Logger) (*gorm.DB, error) {
	dialector, kind, err := dialectorFor(dsn)
	if err != nil {
		return nil, err
	}

	if logg == nil {
		logg = logger.NewNop()
	}
	gormLog := gormLogger.New(
		zap.NewStdLog(logg.With("component", "gorm").SugaredLogger.Desugar()),
		gormLogger.Config{
			SlowThreshold:             1 * time.Second,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	db, err := gorm.Open(dialector, &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		TranslateError:                           true,
		Logger:                                   gormLog,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s ledger: %w", kind, err)
	}
	if err := AutoMigrateAll(db); err != nil {
		return nil, fmt.Errorf("ledger migration failed: %w", err)
	}
	logg.Info("ledger database ready", "driver", kind)
	return db, nil
}

func AutoMigrateAll(db *gorm.DB) error {
	return db.AutoMigrate(
		&ingest.BatchRecord{},
	)
}

func dialectorFor(dsn string) (gorm.Dialector, string, error) {
	dsn = strings.TrimSpace(dsn)
	lower := strings.ToLower(dsn)
	switch {
	case dsn == "":
		return nil, "", fmt.Errorf("ledger dsn is empty")
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"), strings.Contains(lower, "host="):
		return postgres.Open(dsn), "postgres", nil
	case strings.HasPrefix(lower, "sqlite:"):
		return sqlite.Open(strings.TrimPrefix(dsn[len("sqlite:"):], "//")), "sqlite", nil
	case strings.HasPrefix(lower, "file:"), strings.HasSuffix(lower, ".db"), strings.HasSuffix(lower, ".sqlite"):
		return sqlite.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("unrecognized ledger dsn %q (want postgres:// or sqlite:)", dsn)
	}
}
