package store

import (
	"database/sql"
	"fmt"

	"github.com/dukerupert/starstore/internal/model"
)

type UserStore struct {
	db *sql.DB
}

func NewUserStore(db *sql.DB) *UserStore {
	return &UserStore{db: db}
}

func scanUser(scanner interface{ Scan(...any) error }) (*model.User, error) {
	var u model.User
	var teamID sql.NullInt64
	err := scanner.Scan(&u.ID, &u.Email, &u.Name, &u.Role, &teamID, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if teamID.Valid {
		u.TeamID = &teamID.Int64
	}
	return &u, nil
}

const userCols = `id, email, name, role, team_id, created_at, updated_at`

func (s *UserStore) Create(email, name string, role model.Role, teamID *int64, passwordHash string) (*model.User, error) {
	var hash sql.NullString
	if passwordHash != "" {
		hash = sql.NullString{String: passwordHash, Valid: true}
	}
	result, err := s.db.Exec(
		`INSERT INTO users (email, name, role, team_id, password_hash) VALUES (?, ?, ?, ?, ?)`,
		email, name, role, nullInt64(teamID), hash,
	)
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(id)
}

func (s *UserStore) GetByID(id int64) (*model.User, error) {
	row := s.db.QueryRow(`SELECT `+userCols+` FROM users WHERE id = ?`, id)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (s *UserStore) GetByEmail(email string) (*model.User, error) {
	row := s.db.QueryRow(`SELECT `+userCols+` FROM users WHERE email = ?`, email)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user by email: %w", err)
	}
	return u, nil
}

// PasswordHash returns the stored bcrypt hash for a user, or "" when none is set.
func (s *UserStore) PasswordHash(id int64) (string, error) {
	var hash sql.NullString
	err := s.db.QueryRow(`SELECT password_hash FROM users WHERE id = ?`, id).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get password hash: %w", err)
	}
	return hash.String, nil
}

func (s *UserStore) SetPasswordHash(id int64, hash string) error {
	_, err := s.db.Exec(`UPDATE users SET password_hash = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, hash, id)
	if err != nil {
		return fmt.Errorf("set password hash: %w", err)
	}
	return nil
}

// List returns all users ordered by name.
func (s *UserStore) List() ([]model.User, error) {
	rows, err := s.db.Query(`SELECT ` + userCols + ` FROM users ORDER BY name ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

func (s *UserStore) Update(id int64, name string, role model.Role, teamID *int64) (*model.User, error) {
	_, err := s.db.Exec(
		`UPDATE users SET name = ?, role = ?, team_id = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		name, role, nullInt64(teamID), id,
	)
	if err != nil {
		return nil, fmt.Errorf("update user: %w", err)
	}
	return s.GetByID(id)
}

func (s *UserStore) Count() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}

// ManagerAssignments counts the items whose scope names the user and the
// teams the user manages.
func (s *UserStore) ManagerAssignments(id int64) (items, teams int, err error) {
	err = s.db.QueryRow(
		`SELECT (SELECT COUNT(*) FROM item_managers WHERE manager_id = ?),
		        (SELECT COUNT(*) FROM teams WHERE manager_id = ?)`,
		id, id,
	).Scan(&items, &teams)
	if err != nil {
		return 0, 0, fmt.Errorf("count manager assignments: %w", err)
	}
	return items, teams, nil
}
