package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/3rs4lg4d0/relaybox/internal/config"
	"github.com/3rs4lg4d0/relaybox/migrations"
	"github.com/3rs4lg4d0/relaybox/rbx"
	rbxgorm "github.com/3rs4lg4d0/relaybox/repository/gorm"
	"github.com/3rs4lg4d0/relaybox/repository/pgxv5"
	rbxsql "github.com/3rs4lg4d0/relaybox/repository/sql"
	_ "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// openStore opens the configured database and returns its repository and a
// function releasing the connections.
func openStore(ctx context.Context, cfg config.Store, key rbx.TxKey) (rbx.Repository, func(), error) {
	switch cfg.Driver {
	case config.DriverPgx:
		pool, err := GetDatabasePool(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		if cfg.Migrate {
			if err := migratePool(ctx, cfg.DSN); err != nil {
				pool.Close()
				return nil, nil, err
			}
		}
		return pgxv5.New(key, pool), pool.Close, nil

	case config.DriverGorm:
		db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{Logger: logger.Discard})
		if err != nil {
			return nil, nil, fmt.Errorf("unable to open the database: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, nil, err
		}
		if cfg.Migrate {
			if err := migrations.Apply(ctx, sqlDB, migrations.Postgres); err != nil {
				sqlDB.Close()
				return nil, nil, err
			}
		}
		return rbxgorm.New(key, db), func() { sqlDB.Close() }, nil

	default:
		driverName, dialect, useDollar := sqlDriver(cfg.Driver)
		db, err := sql.Open(driverName, cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("unable to open the database: %w", err)
		}
		if driverName == "sqlite3" {
			// sqlite allows a single writer
			db.SetMaxOpenConns(1)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("unable to reach the database: %w", err)
		}
		if cfg.Migrate {
			if err := migrations.Apply(ctx, db, dialect); err != nil {
				db.Close()
				return nil, nil, err
			}
		}
		return rbxsql.New(key, db, useDollar), func() { db.Close() }, nil
	}
}

// sqlDriver maps a configured driver to its database/sql driver name and
// schema dialect.
func sqlDriver(driver string) (driverName string, dialect string, useDollar bool) {
	switch driver {
	case config.DriverPostgres:
		return "pgx", migrations.Postgres, true
	case config.DriverMySQL:
		return "mysql", migrations.MySQL, false
	default:
		return "sqlite3", migrations.SQLite, false
	}
}

func GetDatabasePool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database url: %w", err)
	}
	db, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	return db, nil
}

// migratePool applies the schema through the pgx database/sql driver.
func migratePool(ctx context.Context, dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	return migrations.Apply(ctx, db, migrations.Postgres)
}
