package store

import (
	"database/sql"
	"testing"

	"github.com/dukerupert/starstore/internal/database"
	"github.com/dukerupert/starstore/internal/model"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func createTestUser(t *testing.T, db *sql.DB, email string, role model.Role, teamID *int64) *model.User {
	t.Helper()
	u, err := NewUserStore(db).Create(email, email, role, teamID, "")
	if err != nil {
		t.Fatalf("create user %s: %v", email, err)
	}
	return u
}

func intPtr(n int) *int { return &n }
