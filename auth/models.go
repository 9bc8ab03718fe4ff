package auth

import "time"

type Role string

const (
	RoleSubscriber Role = "subscriber"
	RoleAdmin      Role = "admin"
)

// User is the domain representation of an account holder.
// It mirrors the users table and should not include JSON annotations so it
// can be reused by different presentation layers.
type User struct {
	ID                  string
	Email               string
	FullName            string
	PasswordHash        string
	Role                Role
	MaxClaims           int
	BillingActive       bool
	ProcessorCustomerID *string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// IsAdmin reports whether the user holds the administrative role.
func (u User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// RegisterRequest contains user registration data supplied by callers.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
	Role     Role   `json:"role"`
}

// LoginRequest contains user login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
