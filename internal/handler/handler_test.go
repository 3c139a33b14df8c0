package handler

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dukerupert/starstore/internal/archive"
	"github.com/dukerupert/starstore/internal/auth"
	"github.com/dukerupert/starstore/internal/catalog"
	"github.com/dukerupert/starstore/internal/database"
	"github.com/dukerupert/starstore/internal/model"
	"github.com/dukerupert/starstore/internal/objectstore"
	"github.com/dukerupert/starstore/internal/store"
)

const testPassword = "correct-horse"

type testEnv struct {
	db       *sql.DB
	mux      *http.ServeMux
	objects  *objectstore.Local
	admin    *model.User
	approver *model.User
	employee *model.User
	other    *model.User
}

// newTestEnv wires every handler onto a plain mux. Role checks live in the
// server's middleware, so requests here carry whatever AuthContext the test
// gives them.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := database.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	users := store.NewUserStore(db)
	sessions := store.NewSessionStore(db)
	archives := store.NewArchiveStore(db)

	hash, err := auth.HashPassword(testPassword)
	require.NoError(t, err)

	env := &testEnv{db: db, mux: http.NewServeMux()}
	env.admin, err = users.Create("admin@example.com", "Admin", model.RoleAdmin, nil, hash)
	require.NoError(t, err)
	env.approver, err = users.Create("approver@example.com", "Approver", model.RoleApprover, nil, "")
	require.NoError(t, err)
	env.employee, err = users.Create("emp@example.com", "Employee", model.RoleEmployee, nil, "")
	require.NoError(t, err)
	env.other, err = users.Create("other@example.com", "Other", model.RoleEmployee, nil, "")
	require.NoError(t, err)

	env.objects, err = objectstore.NewLocal(t.TempDir())
	require.NoError(t, err)

	svc := catalog.NewService(db, logger)
	authH := NewAuthHandler(users, sessions, "http://localhost", logger)
	userH := NewUserHandler(users, store.NewTeamStore(db), store.NewStarStore(db), sessions, nil, logger)
	itemH := NewItemHandler(svc, logger)
	approvalH := NewApprovalHandler(svc, logger)
	couponH := NewCouponHandler(svc, logger)
	auditH := NewAuditHandler(svc, logger)
	uploadH := NewUploadHandler(env.objects, 1024, logger)
	archiveH := NewArchiveHandler(archive.NewManager(archive.Config{}, store.NewAuditStore(db), archives, env.objects, logger, nil), archives, logger)

	m := env.mux
	m.HandleFunc("POST /api/auth/login", authH.Login)
	m.HandleFunc("POST /api/auth/logout", authH.Logout)
	m.HandleFunc("GET /api/auth/me", authH.Me)
	m.HandleFunc("GET /api/users", userH.List)
	m.HandleFunc("POST /api/users", userH.Create)
	m.HandleFunc("PUT /api/users/{id}", userH.Update)
	m.HandleFunc("POST /api/teams", userH.CreateTeam)
	m.HandleFunc("PUT /api/teams/{id}", userH.UpdateTeam)
	m.HandleFunc("POST /api/users/{id}/stars", userH.GrantStars)
	m.HandleFunc("GET /api/users/{id}/stars", userH.StarHistory)
	m.HandleFunc("GET /api/leaderboard", userH.Leaderboard)
	m.HandleFunc("GET /api/items", itemH.List)
	m.HandleFunc("POST /api/items", itemH.Create)
	m.HandleFunc("GET /api/items/{id}", itemH.Get)
	m.HandleFunc("PUT /api/items/{id}", itemH.Update)
	m.HandleFunc("DELETE /api/items/{id}", itemH.Delete)
	m.HandleFunc("POST /api/items/{id}/approval", itemH.RequestApproval)
	m.HandleFunc("POST /api/items/{id}/activate", itemH.Activate)
	m.HandleFunc("POST /api/items/{id}/deactivate", itemH.Deactivate)
	m.HandleFunc("GET /api/store/items", itemH.Store)
	m.HandleFunc("POST /api/store/items/{id}/redeem", itemH.Redeem)
	m.HandleFunc("POST /api/approvals/{id}/approve", approvalH.Approve)
	m.HandleFunc("POST /api/approvals/{id}/reject", approvalH.Reject)
	m.HandleFunc("GET /api/coupons", couponH.List)
	m.HandleFunc("GET /api/coupons/export", couponH.Export)
	m.HandleFunc("POST /api/coupons/use", couponH.UseByCode)
	m.HandleFunc("POST /api/coupons/{id}/cancel", couponH.Cancel)
	m.HandleFunc("GET /api/audit", auditH.List)
	m.HandleFunc("GET /api/audit/export", auditH.Export)
	m.HandleFunc("POST /api/uploads", uploadH.Upload)
	m.HandleFunc("GET /media/{key...}", uploadH.Media)
	m.HandleFunc("POST /api/archives", archiveH.Run)
	return env
}

func (e *testEnv) do(t *testing.T, user *model.User, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return e.serve(user, req)
}

func (e *testEnv) serve(user *model.User, req *http.Request) *httptest.ResponseRecorder {
	if user != nil {
		ctx := auth.WithAuth(req.Context(), auth.AuthContext{UserID: user.ID, Role: user.Role, TeamID: user.TeamID})
		req = req.WithContext(ctx)
	}
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// publish creates an item and walks it to active.
func (e *testEnv) publish(t *testing.T, body map[string]any) model.Item {
	t.Helper()
	body["requires_approval"] = false
	rec := e.do(t, e.admin, "POST", "/api/items", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	it := decode[model.Item](t, rec)

	rec = e.do(t, e.admin, "POST", "/api/items/"+itoa(it.ID)+"/approval", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = e.do(t, e.admin, "POST", "/api/items/"+itoa(it.ID)+"/activate", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[model.Item](t, rec)
}

func (e *testEnv) grant(t *testing.T, user *model.User, amount int) {
	t.Helper()
	rec := e.do(t, e.admin, "POST", "/api/users/"+itoa(user.ID)+"/stars", map[string]any{"amount": amount, "reason": "kudos"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func (e *testEnv) createUser(t *testing.T, body map[string]any) *model.User {
	t.Helper()
	rec := e.do(t, e.admin, "POST", "/api/users", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	u := decode[model.User](t, rec)
	return &u
}

func (e *testEnv) createTeam(t *testing.T, name string, managerID int64) model.Team {
	t.Helper()
	rec := e.do(t, e.admin, "POST", "/api/teams", map[string]any{"name": name, "manager_id": managerID})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[model.Team](t, rec)
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
