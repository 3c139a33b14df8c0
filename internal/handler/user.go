package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/dukerupert/starstore/internal/auth"
	"github.com/dukerupert/starstore/internal/catalog"
	"github.com/dukerupert/starstore/internal/model"
	"github.com/dukerupert/starstore/internal/store"
	"github.com/dukerupert/starstore/internal/websocket"
)

type UserHandler struct {
	userStore    *store.UserStore
	teamStore    *store.TeamStore
	starStore    *store.StarStore
	sessionStore *store.SessionStore
	hub          catalog.Broadcaster
	logger       *slog.Logger
}

func NewUserHandler(us *store.UserStore, ts *store.TeamStore, ss *store.StarStore, sessions *store.SessionStore, hub catalog.Broadcaster, logger *slog.Logger) *UserHandler {
	return &UserHandler{userStore: us, teamStore: ts, starStore: ss, sessionStore: sessions, hub: hub, logger: logger}
}

type userRequest struct {
	Email    string     `json:"email"`
	Name     string     `json:"name"`
	Role     model.Role `json:"role"`
	TeamID   *int64     `json:"team_id"`
	Password string     `json:"password"`
}

func (h *UserHandler) List(w http.ResponseWriter, r *http.Request) {
	users, err := h.userStore.List()
	if err != nil {
		h.logger.Error("list users", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to list users")
		return
	}
	if users == nil {
		users = []model.User{}
	}
	writeJSON(w, http.StatusOK, users)
}

// validateUser checks fields shared by create and update and reports the
// first problem, or "".
func (h *UserHandler) validateUser(req *userRequest) (string, error) {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return "name is required", nil
	}
	if req.Role == "" {
		req.Role = model.RoleEmployee
	}
	if !req.Role.IsValid() {
		return "role must be admin, approver, manager or employee", nil
	}
	if req.TeamID != nil {
		team, err := h.teamStore.GetByID(*req.TeamID)
		if err != nil {
			return "", err
		}
		if team == nil {
			return "team not found", nil
		}
	}
	return "", nil
}

func (h *UserHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid JSON")
		return
	}

	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Email == "" || !strings.Contains(req.Email, "@") {
		badRequest(w, "a valid email is required")
		return
	}
	msg, err := h.validateUser(&req)
	if err != nil {
		h.logger.Error("validate user", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to create user")
		return
	}
	if msg != "" {
		badRequest(w, msg)
		return
	}

	existing, err := h.userStore.GetByEmail(req.Email)
	if err != nil {
		h.logger.Error("user lookup", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to create user")
		return
	}
	if existing != nil {
		writeError(w, http.StatusConflict, "email_taken", "a user with this email already exists")
		return
	}

	var hash string
	if req.Password != "" {
		hash, err = auth.HashPassword(req.Password)
		if errors.Is(err, auth.ErrPasswordTooShort) {
			badRequest(w, err.Error())
			return
		}
		if err != nil {
			h.logger.Error("hash password", "error", err)
			writeError(w, http.StatusInternalServerError, "internal", "failed to create user")
			return
		}
	}

	user, err := h.userStore.Create(req.Email, req.Name, req.Role, req.TeamID, hash)
	if err != nil {
		h.logger.Error("create user", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to create user")
		return
	}

	h.logger.Info("user created", "user_id", user.ID, "role", user.Role, "actor", auth.UserID(r.Context()))
	writeJSON(w, http.StatusCreated, user)
}

func (h *UserHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		badRequest(w, "invalid id")
		return
	}

	existing, err := h.userStore.GetByID(id)
	if err != nil {
		h.logger.Error("get user", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to get user")
		return
	}
	if existing == nil {
		writeError(w, http.StatusNotFound, "not_found", "user not found")
		return
	}

	var req userRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid JSON")
		return
	}
	if req.Email != "" && !strings.EqualFold(strings.TrimSpace(req.Email), existing.Email) {
		badRequest(w, "email cannot be changed")
		return
	}
	msg, err := h.validateUser(&req)
	if err != nil {
		h.logger.Error("validate user", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to update user")
		return
	}
	if msg != "" {
		badRequest(w, msg)
		return
	}

	if existing.Role == model.RoleManager && req.Role != model.RoleManager {
		items, teams, err := h.userStore.ManagerAssignments(id)
		if err != nil {
			h.logger.Error("manager assignments", "error", err)
			writeError(w, http.StatusInternalServerError, "internal", "failed to update user")
			return
		}
		if items > 0 || teams > 0 {
			writeError(w, http.StatusConflict, "manager_in_use",
				fmt.Sprintf("user still manages %d team(s) and is in the scope of %d item(s)", teams, items))
			return
		}
	}

	if req.Password != "" {
		hash, err := auth.HashPassword(req.Password)
		if errors.Is(err, auth.ErrPasswordTooShort) {
			badRequest(w, err.Error())
			return
		}
		if err == nil {
			err = h.userStore.SetPasswordHash(id, hash)
		}
		if err != nil {
			h.logger.Error("set password", "error", err)
			writeError(w, http.StatusInternalServerError, "internal", "failed to update user")
			return
		}
	}

	user, err := h.userStore.Update(id, req.Name, req.Role, req.TeamID)
	if err != nil {
		h.logger.Error("update user", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to update user")
		return
	}
	if user.Role != existing.Role {
		if err := h.sessionStore.DeleteByUserID(id); err != nil {
			h.logger.Error("revoke sessions", "user_id", id, "error", err)
		}
		h.logger.Info("user role changed", "user_id", id, "from", existing.Role, "to", user.Role, "actor", auth.UserID(r.Context()))
	}
	writeJSON(w, http.StatusOK, user)
}

type teamRequest struct {
	Name      string `json:"name"`
	ManagerID *int64 `json:"manager_id"`
}

func (h *UserHandler) ListTeams(w http.ResponseWriter, r *http.Request) {
	teams, err := h.teamStore.List()
	if err != nil {
		h.logger.Error("list teams", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to list teams")
		return
	}
	if teams == nil {
		teams = []model.Team{}
	}
	writeJSON(w, http.StatusOK, teams)
}

func (h *UserHandler) CreateTeam(w http.ResponseWriter, r *http.Request) {
	var req teamRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid JSON")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		badRequest(w, "name is required")
		return
	}
	if msg, err := h.checkManager(req.ManagerID); err != nil {
		h.logger.Error("get manager", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to create team")
		return
	} else if msg != "" {
		badRequest(w, msg)
		return
	}

	team, err := h.teamStore.Create(req.Name, req.ManagerID)
	if err != nil {
		h.logger.Error("create team", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to create team")
		return
	}
	writeJSON(w, http.StatusCreated, team)
}

type teamUpdateRequest struct {
	ManagerID *int64 `json:"manager_id"`
}

// UpdateTeam assigns the team's manager, or clears it when manager_id is null.
func (h *UserHandler) UpdateTeam(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		badRequest(w, "invalid id")
		return
	}
	var req teamUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid JSON")
		return
	}

	team, err := h.teamStore.GetByID(id)
	if err != nil {
		h.logger.Error("get team", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to update team")
		return
	}
	if team == nil {
		writeError(w, http.StatusNotFound, "not_found", "team not found")
		return
	}
	if msg, err := h.checkManager(req.ManagerID); err != nil {
		h.logger.Error("get manager", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to update team")
		return
	} else if msg != "" {
		badRequest(w, msg)
		return
	}

	team, err = h.teamStore.SetManager(id, req.ManagerID)
	if err != nil {
		h.logger.Error("set team manager", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to update team")
		return
	}
	h.logger.Info("team manager changed", "team_id", id, "manager_id", req.ManagerID, "actor", auth.UserID(r.Context()))
	writeJSON(w, http.StatusOK, team)
}

// checkManager reports a problem when managerID is set but does not name a
// user with the manager role.
func (h *UserHandler) checkManager(managerID *int64) (string, error) {
	if managerID == nil {
		return "", nil
	}
	mgr, err := h.userStore.GetByID(*managerID)
	if err != nil {
		return "", err
	}
	if mgr == nil || mgr.Role != model.RoleManager {
		return "manager_id must reference a user with the manager role", nil
	}
	return "", nil
}

type grantRequest struct {
	Amount int    `json:"amount"`
	Reason string `json:"reason"`
}

// GrantStars credits or debits a user's star balance. Debits may not take the
// balance below zero.
func (h *UserHandler) GrantStars(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		badRequest(w, "invalid id")
		return
	}

	var req grantRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid JSON")
		return
	}
	req.Reason = strings.TrimSpace(req.Reason)
	if req.Amount == 0 {
		badRequest(w, "amount must not be zero")
		return
	}
	if req.Reason == "" {
		badRequest(w, "reason is required")
		return
	}

	user, err := h.userStore.GetByID(id)
	if err != nil {
		h.logger.Error("get user", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to grant stars")
		return
	}
	if user == nil {
		writeError(w, http.StatusNotFound, "not_found", "user not found")
		return
	}

	tx, err := h.starStore.Grant(r.Context(), id, req.Amount, req.Reason, auth.UserID(r.Context()))
	if err != nil {
		writeServiceError(w, r, h.logger, err, "grant stars")
		return
	}

	if h.hub != nil {
		h.hub.SendToUser(id, websocket.NewMessage("stars", "granted", tx.ID, map[string]any{"amount": tx.Amount}))
	}
	writeJSON(w, http.StatusCreated, tx)
}

type starHistoryResponse struct {
	Balance      int                     `json:"balance"`
	Transactions []model.StarTransaction `json:"transactions"`
}

// StarHistory returns a user's balance and ledger. Users may read their own;
// admins may read anyone's.
func (h *UserHandler) StarHistory(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		badRequest(w, "invalid id")
		return
	}
	if id != auth.UserID(r.Context()) && !auth.IsAdmin(r.Context()) {
		writeError(w, http.StatusForbidden, "forbidden", "cannot view another user's stars")
		return
	}

	limit := 100
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			badRequest(w, "limit must be a positive integer")
			return
		}
		limit = min(n, 1000)
	}

	balance, err := h.starStore.Balance(r.Context(), id)
	if err != nil {
		h.logger.Error("star balance", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to get stars")
		return
	}
	history, err := h.starStore.History(r.Context(), id, limit)
	if err != nil {
		h.logger.Error("star history", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to get stars")
		return
	}
	if history == nil {
		history = []model.StarTransaction{}
	}
	writeJSON(w, http.StatusOK, starHistoryResponse{Balance: balance, Transactions: history})
}

func (h *UserHandler) Leaderboard(w http.ResponseWriter, r *http.Request) {
	board, err := h.starStore.Leaderboard(r.Context())
	if err != nil {
		h.logger.Error("leaderboard", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to get leaderboard")
		return
	}
	if board == nil {
		board = []model.StarBalance{}
	}
	writeJSON(w, http.StatusOK, board)
}
