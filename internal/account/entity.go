// AngelaMos | 2026
// entity.go

package account

import (
	"time"
)

// Account is the tenant owner. Email doubles as the billing email used
// to match provider customers when no customer id is stored yet.
type Account struct {
	ID           string     `db:"id"`
	Email        string     `db:"email"`
	PasswordHash string     `db:"password_hash"`
	Name         string     `db:"name"`
	Role         string     `db:"role"`
	TokenVersion int        `db:"token_version"`
	CreatedAt    time.Time  `db:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"`
	DeletedAt    *time.Time `db:"deleted_at"`
}

func (a *Account) IsDeleted() bool {
	return a.DeletedAt != nil
}

func (a *Account) IsAdmin() bool {
	return a.Role == RoleAdmin
}

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)
