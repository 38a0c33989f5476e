// Command seed-admin creates or updates an operator account.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/playmatatu/arena/internal/admin"
	"github.com/playmatatu/arena/internal/config"
	"github.com/playmatatu/arena/internal/database"
	"github.com/playmatatu/arena/internal/logger"
	"github.com/playmatatu/arena/internal/migrations"
	"github.com/playmatatu/arena/internal/store/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New("arena-seed-admin", cfg.Environment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal("connect database", zap.Error(err))
	}
	defer db.Close()

	if cfg.MigrateOnStart {
		if err := migrations.Run(db, cfg.MigrationsSource, log); err != nil {
			log.Fatal("run migrations", zap.Error(err))
		}
	}

	username := envOr("ADMIN_USERNAME", "admin")
	displayName := envOr("ADMIN_DISPLAY_NAME", "Admin")
	roles := strings.Split(envOr("ADMIN_ROLES", "superadmin"), ",")
	token := os.Getenv("ADMIN_TOKEN")
	if token == "" {
		log.Fatal("ADMIN_TOKEN must be set")
	}

	svc := admin.New(postgres.New(db), nil, cfg.JWTSecret, cfg.AdminSessionTTL, log)
	if err := svc.CreateAccount(ctx, username, displayName, token, roles); err != nil {
		log.Fatal("create admin account", zap.Error(err))
	}

	log.Info("admin account created or updated",
		zap.String("username", username),
		zap.String("display_name", displayName),
		zap.Strings("roles", roles),
	)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
