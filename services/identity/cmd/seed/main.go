// Command seed creates demo users in a dev or test database and prints a
// freshly generated admin API key.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/AfshinJalili/identity/libs/apikey"
	"github.com/AfshinJalili/identity/libs/logging"
	"github.com/AfshinJalili/identity/services/identity/internal/config"
	"github.com/AfshinJalili/identity/services/identity/internal/security"
	"github.com/AfshinJalili/identity/services/identity/internal/service"
	"github.com/AfshinJalili/identity/services/identity/internal/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if !cfg.App.IsLocal() {
		log.Fatalf("refusing to seed: IDENTITY_ENV must be 'dev' or 'test' (got '%s')", cfg.App.Env)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DB.DSN())
	if err != nil {
		log.Fatalf("connect db: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("ping db: %v", err)
	}

	if os.Getenv("SEED_MIGRATE") == "1" {
		if err := storage.ApplyMigrations(ctx, pool); err != nil {
			log.Fatalf("apply migrations: %v", err)
		}
		fmt.Println("✓ Migrations applied")
	}

	store := storage.New(pool)
	tokens, err := security.NewCodec([]byte(cfg.JWTSecret), cfg.JWTIssuer, store)
	if err != nil {
		log.Fatalf("token codec: %v", err)
	}
	hasher, err := security.NewHasher(security.Argon2Params(cfg.Argon2))
	if err != nil {
		log.Fatalf("password hasher: %v", err)
	}
	svc := service.New(store, tokens, hasher, service.Config{
		AccessTTL:  cfg.AccessTokenTTL,
		RefreshTTL: cfg.RefreshTokenTTL,
	}, logging.Discard())

	fmt.Println("Seeding database...")

	users := demoUsers
	if os.Getenv("SEED_TESTDATA") == "1" {
		users = append(users, testUsers...)
	}
	results, err := seedUsers(ctx, svc, users)
	if err != nil {
		log.Fatalf("seed users: %v", err)
	}
	for _, r := range results {
		if r.Created {
			fmt.Printf("✓ %s created (%s)\n", r.Handle, r.UserID)
		} else {
			fmt.Printf("- %s already present\n", r.Handle)
		}
	}

	key, _, hash, err := apikey.Generate(cfg.App.Env)
	if err != nil {
		log.Fatalf("generate admin key: %v", err)
	}

	fmt.Println("\n=== Seed Complete ===")
	fmt.Println("\nDemo Credentials:")
	for _, u := range users {
		fmt.Printf("  %s / %s\n", u.Handle, u.Secret)
	}
	fmt.Println("\nAdmin API Key (DEV ONLY):")
	fmt.Printf("  key:  %s\n", key)
	fmt.Printf("  hash: %s\n", hash)
	fmt.Println("  add the hash to IDENTITY_ADMIN_API_KEY_HASHES")
}
