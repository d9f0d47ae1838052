package models

import "time"

// User represents an account stored in the users table.
type User struct {
	ID            string     `db:"id" json:"id"`
	Email         string     `db:"email" json:"email"`
	Username      *string    `db:"username" json:"username,omitempty"`
	PasswordHash  string     `db:"password_hash" json:"-"`
	Active        bool       `db:"active" json:"active"`
	EmailVerified bool       `db:"email_verified" json:"email_verified"`
	LastLogin     *time.Time `db:"last_login" json:"last_login,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updated_at"`
}

// Info projects the public portion of a user for responses.
func (u *User) Info() UserInfo {
	info := UserInfo{ID: u.ID, Email: u.Email, EmailVerified: u.EmailVerified}
	if u.Username != nil {
		info.Username = *u.Username
	}
	return info
}

// Pagination contains pagination metadata returned in list responses.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalCount int `json:"total_count"`
}
