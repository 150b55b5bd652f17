package model

import "time"

// Admin is an operator who manages licenses through the admin API.
// Passwords are stored as bcrypt hashes.
type Admin struct {
	ID           string     `json:"id" db:"id"`
	Username     string     `json:"username" db:"username"`
	PasswordHash string     `json:"-" db:"password_hash"` // bcrypt hash, never expose
	IsActive     bool       `json:"is_active" db:"is_active"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty" db:"last_login_at"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
}

// Member is a paying customer with access to the members' area. The password
// hash stays empty until support issues a temporary password.
type Member struct {
	ID           string    `json:"id" db:"id"`
	Email        string    `json:"email" db:"email"`
	EmailHash    string    `json:"-" db:"email_hash"`
	PasswordHash string    `json:"-" db:"password_hash"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}
