package database

import (
	"context"
	"fmt"

	"dao-chain-indexer/config"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	gormMysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const tcp = "tcp"

var (
	// List entities to auto-migrate
	entities = []interface{}{
		IndexerState{},
		IndexedEvent{},
		MintRequest{},
		MintRequestEvent{},
		VerificationResult{},
		EvidenceFile{},
		IssuedToken{},
		IssuedTokenEvent{},
		QueueJob{},
	}
	CreateBatchesSize = 1000
)

func ConnectAndInitialize(ctx context.Context, cfg *config.DBConfig) (*gorm.DB, error) {
	db, err := Connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("ConnectAndInitialize: Connect: %w", err)
	}

	return Initialize(db.WithContext(ctx), cfg.DropTableAtStart)
}

// Initialize migrates the schema. Dropping tables at start is only meant for
// tests and local development.
func Initialize(db *gorm.DB, dropTablesAtStart bool) (*gorm.DB, error) {
	if dropTablesAtStart {
		err := db.Migrator().DropTable(entities...)
		if err != nil {
			return nil, err
		}
	}

	err := db.AutoMigrate(entities...)
	if err != nil {
		return nil, errors.Wrap(err, "Initialize: AutoMigrate")
	}

	return db, nil
}

func Connect(cfg *config.DBConfig) (*gorm.DB, error) {
	dbConfig := mysql.Config{
		User:                 cfg.Username,
		Passwd:               cfg.Password,
		Net:                  tcp,
		Addr:                 fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		DBName:               cfg.Database,
		AllowNativePasswords: true,
		ParseTime:            true,
	}

	gormConfig := gorm.Config{
		Logger:          gormlogger.Default.LogMode(getGormLogLevel(cfg)),
		CreateBatchSize: CreateBatchesSize,
	}
	return gorm.Open(gormMysql.Open(dbConfig.FormatDSN()), &gormConfig)
}

func getGormLogLevel(cfg *config.DBConfig) gormlogger.LogLevel {
	if cfg.LogQueries {
		return gormlogger.Info
	}

	return gormlogger.Silent
}
