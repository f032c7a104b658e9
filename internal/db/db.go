// internal/db/db.go
package db

import (
    "context"
    "database/sql"
    "embed"
    "fmt"
    "time"

    _ "github.com/lib/pq"
    "github.com/pressly/goose/v3"
    "github.com/rs/zerolog"

    "github.com/unclebandit/mailcampaign-backend/internal/metrics"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Open connects to Postgres and pings it before handing the pool back.
func Open(ctx context.Context, databaseURL string, log zerolog.Logger) (*sql.DB, error) {
    if databaseURL == "" {
        return nil, fmt.Errorf("DATABASE_URL is empty")
    }
    db, err := sql.Open("postgres", databaseURL)
    if err != nil {
        return nil, fmt.Errorf("open database: %w", err)
    }
    db.SetMaxOpenConns(20)
    db.SetMaxIdleConns(5)
    db.SetConnMaxLifetime(30 * time.Minute)

    pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
    defer cancel()
    if err := db.PingContext(pingCtx); err != nil {
        metrics.SetDBUp(false)
        _ = db.Close()
        return nil, fmt.Errorf("ping database: %w", err)
    }
    metrics.SetDBUp(true)

    log.Info().Msg("connected to database")
    return db, nil
}

// Ping refreshes the db_up gauge and reports the result.
func Ping(ctx context.Context, db *sql.DB) error {
    err := db.PingContext(ctx)
    metrics.SetDBUp(err == nil)
    return err
}

// Migrate runs a goose subcommand (up, down, status) against the embedded migrations.
func Migrate(db *sql.DB, subcmd string) error {
    goose.SetBaseFS(migrations)
    if err := goose.SetDialect("postgres"); err != nil {
        return fmt.Errorf("set goose dialect: %w", err)
    }
    const dir = "migrations"
    switch subcmd {
    case "up":
        return goose.Up(db, dir)
    case "down":
        return goose.Down(db, dir)
    case "status":
        return goose.Status(db, dir)
    default:
        return fmt.Errorf("unsupported migrate subcommand %q", subcmd)
    }
}
