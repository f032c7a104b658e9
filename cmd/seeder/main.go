//cmd/seeder/main.go
package main

import (
    "context"
    "database/sql"
    "flag"
    "fmt"
    "os"
    "path/filepath"

    "github.com/joho/godotenv"

    "github.com/unclebandit/mailcampaign-backend/internal/config"
    "github.com/unclebandit/mailcampaign-backend/internal/db"
    "github.com/unclebandit/mailcampaign-backend/internal/logger"
)

// order matters: list members reference leads
var seedFiles = []string{
    "leads.sql",
    "catalog.sql",
}

func main() {
    dir := flag.String("dir", "seed", "directory holding the seed files")
    migrate := flag.Bool("migrate", true, "apply pending migrations before seeding")
    flag.Parse()

    _ = godotenv.Load()
    cfg, err := config.Load()
    if err != nil {
        l := logger.New("development")
        l.Fatal().Err(err).Msg("invalid configuration")
    }
    log := logger.New(cfg.AppEnv)

    ctx := context.Background()
    conn, err := db.Open(ctx, cfg.DatabaseURL, log)
    if err != nil {
        log.Fatal().Err(err).Msg("connect")
    }
    defer conn.Close()

    if *migrate {
        if err := db.Migrate(conn, "up"); err != nil {
            log.Fatal().Err(err).Msg("migrate")
        }
    }

    for _, file := range seedFiles {
        path := filepath.Join(*dir, file)
        if err := seed(ctx, conn, path); err != nil {
            log.Fatal().Err(err).Str("file", path).Msg("seed failed")
        }
        log.Info().Str("file", path).Msg("seeded")
    }
    log.Info().Msg("database seeding completed")
}

func seed(ctx context.Context, conn *sql.DB, path string) error {
    content, err := os.ReadFile(path)
    if err != nil {
        return fmt.Errorf("read %s: %w", path, err)
    }
    if _, err := conn.ExecContext(ctx, string(content)); err != nil {
        return fmt.Errorf("execute %s: %w", path, err)
    }
    return nil
}
