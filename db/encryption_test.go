package db

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func setupTokenDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	database, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatal(err)
	}
	if err := Migrate(context.Background(), database); err != nil {
		database.Close()
		t.Fatal(err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func TestOAuthTokenRoundTrip(t *testing.T) {
	database := setupTokenDB(t)
	ctx := context.Background()

	expiry := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	if err := UpsertOAuthToken(ctx, database, "social-test", "access-1", "refresh-1", expiry, "w:post"); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	access, refresh, exp, scope, err := GetOAuthToken(ctx, database, "social-test")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if access != "access-1" || refresh != "refresh-1" {
		t.Fatalf("token mismatch: %q %q", access, refresh)
	}
	if !exp.Equal(expiry) {
		t.Fatalf("expiry = %v, want %v", exp, expiry)
	}
	if scope != "w:post" {
		t.Fatalf("scope = %q", scope)
	}

	// Upsert replaces the row in place.
	if err := UpsertOAuthToken(ctx, database, "social-test", "access-2", "refresh-2", expiry, ""); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	access, refresh, _, _, err = GetOAuthToken(ctx, database, "social-test")
	if err != nil {
		t.Fatal(err)
	}
	if access != "access-2" || refresh != "refresh-2" {
		t.Fatalf("replaced token mismatch: %q %q", access, refresh)
	}
}

func TestGetOAuthTokenMissingProvider(t *testing.T) {
	database := setupTokenDB(t)
	access, refresh, expiry, scope, err := GetOAuthToken(context.Background(), database, "never-stored")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if access != "" || refresh != "" || scope != "" || !expiry.IsZero() {
		t.Fatalf("expected zero values, got %q %q %v %q", access, refresh, expiry, scope)
	}
}
