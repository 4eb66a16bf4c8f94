package auth

import "time"

type Role string

const (
	RoleAdmin     Role = "admin"
	RoleAppraiser Role = "appraiser"
	RoleClient    Role = "client"
)

// User is the domain representation of an authenticated user.
// It mirrors the users table and should not include JSON annotations so it
// can be reused by different presentation layers.
type User struct {
	ID             string
	Email          string
	FullName       string
	PasswordHash   string
	OrganizationID *string
	Role           Role
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// RegisterRequest contains user registration data supplied by callers.
type RegisterRequest struct {
	Email          string  `json:"email"`
	Password       string  `json:"password"`
	FullName       string  `json:"full_name"`
	Role           Role    `json:"role"`
	OrganizationID *string `json:"organization_id"`
}

// LoginRequest contains user login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
