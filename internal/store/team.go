package store

import (
	"database/sql"
	"fmt"

	"github.com/dukerupert/starstore/internal/model"
)

type TeamStore struct {
	db *sql.DB
}

func NewTeamStore(db *sql.DB) *TeamStore {
	return &TeamStore{db: db}
}

func scanTeam(scanner interface{ Scan(...any) error }) (*model.Team, error) {
	var t model.Team
	var managerID sql.NullInt64
	if err := scanner.Scan(&t.ID, &t.Name, &managerID, &t.CreatedAt); err != nil {
		return nil, err
	}
	if managerID.Valid {
		t.ManagerID = &managerID.Int64
	}
	return &t, nil
}

const teamCols = `id, name, manager_id, created_at`

func (s *TeamStore) Create(name string, managerID *int64) (*model.Team, error) {
	result, err := s.db.Exec(`INSERT INTO teams (name, manager_id) VALUES (?, ?)`, name, nullInt64(managerID))
	if err != nil {
		return nil, fmt.Errorf("insert team: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(id)
}

func (s *TeamStore) GetByID(id int64) (*model.Team, error) {
	row := s.db.QueryRow(`SELECT `+teamCols+` FROM teams WHERE id = ?`, id)
	t, err := scanTeam(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get team: %w", err)
	}
	return t, nil
}

func (s *TeamStore) List() ([]model.Team, error) {
	rows, err := s.db.Query(`SELECT ` + teamCols + ` FROM teams ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list teams: %w", err)
	}
	defer rows.Close()

	var teams []model.Team
	for rows.Next() {
		t, err := scanTeam(rows)
		if err != nil {
			return nil, fmt.Errorf("scan team: %w", err)
		}
		teams = append(teams, *t)
	}
	return teams, rows.Err()
}

func (s *TeamStore) SetManager(id int64, managerID *int64) (*model.Team, error) {
	_, err := s.db.Exec(`UPDATE teams SET manager_id = ? WHERE id = ?`, nullInt64(managerID), id)
	if err != nil {
		return nil, fmt.Errorf("set team manager: %w", err)
	}
	return s.GetByID(id)
}
