package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/alanyoungcy/escrowbot/internal/domain"
	"github.com/alanyoungcy/escrowbot/internal/store/storetest"
)

// setupClient connects to TEST_DATABASE_URL, applies migrations and empties
// every escrow table. The test is skipped when no database is configured.
func setupClient(t *testing.T) domain.Store {
	t.Helper()
	_ = godotenv.Load("../../../.env")

	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	c := NewFromPool(pool)
	if err := c.RunMigrations(ctx); err != nil {
		t.Fatalf("RunMigrations: %v", err)
	}
	if _, err := pool.Exec(ctx,
		`TRUNCATE audit_log, settlements, verifications, tickets, trades RESTART IDENTITY CASCADE`,
	); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return c
}

func TestClient(t *testing.T) {
	storetest.Run(t, setupClient)
}

func TestDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  ClientConfig
		want string
	}{
		{"explicit", ClientConfig{DSN: "postgres://x/y"}, "postgres://x/y"},
		{"defaults", ClientConfig{Host: "db", User: "u", Password: "p", Database: "escrow"}, "postgres://u:p@db:5432/escrow?sslmode=disable"},
		{"ssl", ClientConfig{Host: "db", Port: 6543, User: "u", Database: "e", SSLMode: "require"}, "postgres://u:@db:6543/e?sslmode=require"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DSN(tt.cfg); got != tt.want {
				t.Fatalf("DSN = %q, want %q", got, tt.want)
			}
		})
	}
}
