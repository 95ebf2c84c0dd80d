package auth

import "time"

type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
	RoleAdmin  Role = "admin"
)

// User is the domain representation of an account. It mirrors the users
// table and carries no JSON annotations.
type User struct {
	ID           string
	Email        string
	FullName     string
	CompanyName  *string
	PasswordHash string
	Role         Role
	Locked       bool
	RiskScore    int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RegisterRequest contains user registration data supplied by callers.
type RegisterRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	FullName    string `json:"full_name"`
	CompanyName string `json:"company_name,omitempty"`
	Role        Role   `json:"role"`
}

// LoginRequest contains user login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Claims is what a verified token says about its bearer.
type Claims struct {
	UserID    string
	Role      Role
	ExpiresAt time.Time
}
