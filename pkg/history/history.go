// Package history stores request attempts in Postgres so that provider
// behavior can be inspected after the fact.
package history

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/spf13/viper"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"proxyhop/pkg/models"
)

type DB struct {
	*bun.DB
}

func NewDB() (*DB, error) {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		viper.GetString("database.user"),
		viper.GetString("database.password"),
		viper.GetString("database.host"),
		viper.GetInt("database.port"),
		viper.GetString("database.dbname"),
		viper.GetString("database.sslmode"),
	)

	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))

	db := bun.NewDB(sqldb, pgdialect.New())

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %v", err)
	}

	return &DB{db}, nil
}

// InitSchema creates the attempts table if it doesn't exist
func (db *DB) InitSchema(ctx context.Context) error {
	_, err := db.NewCreateTable().
		Model((*models.Attempt)(nil)).
		IfNotExists().
		Exec(ctx)

	if err != nil {
		return fmt.Errorf("failed to create table: %v", err)
	}

	_, err = db.Exec(`
		DO $$
		BEGIN
			IF NOT EXISTS (SELECT 1 FROM pg_indexes WHERE tablename = 'attempts' AND indexname = 'attempts_provider_idx') THEN
				CREATE INDEX attempts_provider_idx ON attempts (provider);
			END IF;
			IF NOT EXISTS (SELECT 1 FROM pg_indexes WHERE tablename = 'attempts' AND indexname = 'attempts_time_idx') THEN
				CREATE INDEX attempts_time_idx ON attempts (time);
			END IF;
		END $$;
	`)

	if err != nil {
		return fmt.Errorf("failed to create indexes: %v", err)
	}

	return nil
}

// RecordAttempt saves one attempt record. Implements session.Recorder.
func (db *DB) RecordAttempt(ctx context.Context, attempt *models.Attempt) error {
	_, err := db.NewInsert().
		Model(attempt).
		Exec(ctx)

	if err != nil {
		return fmt.Errorf("error inserting attempt: %v", err)
	}

	return nil
}

// RecentAttempts returns the most recent attempts, newest first.
func (db *DB) RecentAttempts(ctx context.Context, limit int) ([]models.Attempt, error) {
	var attempts []models.Attempt
	err := db.NewSelect().
		Model(&attempts).
		Order("time DESC").
		Limit(limit).
		Scan(ctx)

	if err != nil {
		return nil, fmt.Errorf("error getting recent attempts: %v", err)
	}

	return attempts, nil
}

// ProviderStat aggregates attempt outcomes per provider.
type ProviderStat struct {
	Provider  string `bun:"provider"`
	Attempts  int    `bun:"attempts"`
	Successes int    `bun:"successes"`
}

// ProviderStats returns per-provider attempt and success counts.
func (db *DB) ProviderStats(ctx context.Context) ([]ProviderStat, error) {
	var stats []ProviderStat
	err := db.NewSelect().
		Model((*models.Attempt)(nil)).
		Column("provider").
		ColumnExpr("count(*) as attempts").
		ColumnExpr("count(*) FILTER (WHERE success) as successes").
		Group("provider").
		Order("provider").
		Scan(ctx, &stats)

	if err != nil {
		return nil, fmt.Errorf("error getting provider stats: %v", err)
	}

	return stats, nil
}
