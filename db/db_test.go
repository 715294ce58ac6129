package db

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func TestMigrateIdempotent(t *testing.T) {
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	database, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatal(err)
	}
	defer database.Close()

	ctx := context.Background()
	if err := Migrate(ctx, database); err != nil {
		t.Fatalf("first migrate: %v", err)
	}
	// Running twice must not fail: every statement is IF NOT EXISTS.
	if err := Migrate(ctx, database); err != nil {
		t.Fatalf("second migrate: %v", err)
	}

	for _, table := range []string{"posts", "rate_windows", "oauth_tokens", "kv"} {
		var one int
		if err := database.QueryRowContext(ctx, `SELECT 1 FROM `+table+` LIMIT 1`).Scan(&one); err != nil && err != sql.ErrNoRows {
			t.Fatalf("table %s not usable: %v", table, err)
		}
	}
}
