package model

import "time"

type Role string

const (
	RoleAdmin    Role = "admin"
	RoleApprover Role = "approver"
	RoleManager  Role = "manager"
	RoleEmployee Role = "employee"
)

func (r Role) IsValid() bool {
	switch r {
	case RoleAdmin, RoleApprover, RoleManager, RoleEmployee:
		return true
	}
	return false
}

type User struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Role      Role      `json:"role"`
	TeamID    *int64    `json:"team_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Team struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	ManagerID *int64    `json:"manager_id"`
	CreatedAt time.Time `json:"created_at"`
}
