package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidCredentials signals wrong email or password.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrWeakPassword signals password doesn't meet requirements.
	ErrWeakPassword = errors.New("auth: password must be at least 8 characters")
	// ErrAccountLocked signals a locked account.
	ErrAccountLocked = errors.New("auth: account is locked")
	// ErrInvalidToken covers every token that fails verification.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrInvalidInput signals missing or malformed registration fields.
	ErrInvalidInput = errors.New("auth: invalid input")
)

// Service handles authentication business logic.
type Service struct {
	repo      Repository
	jwtSecret []byte
	tokenTTL  time.Duration
	now       func() time.Time
}

// LoginResult bundles the token and domain user returned after a successful login.
type LoginResult struct {
	Token     string
	ExpiresAt time.Time
	User      User
}

// NewService creates a new authentication service. A non-positive ttl means 24h.
func NewService(repo Repository, jwtSecret string, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{
		repo:      repo,
		jwtSecret: []byte(jwtSecret),
		tokenTTL:  ttl,
		now:       time.Now,
	}
}

// WithClock replaces the time source used for token timestamps.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Register creates a new user account.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*User, error) {
	if len(req.Password) < 8 {
		return nil, ErrWeakPassword
	}

	email := strings.TrimSpace(req.Email)
	if email == "" || strings.TrimSpace(req.FullName) == "" {
		return nil, fmt.Errorf("%w: email and full_name are required", ErrInvalidInput)
	}

	role := Role(strings.TrimSpace(string(req.Role)))
	if role == "" {
		role = RoleBuyer
	}
	if !isValidRole(role) {
		return nil, fmt.Errorf("%w: role %q", ErrInvalidInput, role)
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("auth: hash password: %w", err)
	}

	var company *string
	if c := strings.TrimSpace(req.CompanyName); c != "" {
		company = &c
	}

	user, err := s.repo.CreateUser(ctx, CreateUserParams{
		Email:        email,
		FullName:     strings.TrimSpace(req.FullName),
		CompanyName:  company,
		PasswordHash: string(passwordHash),
		Role:         role,
	})
	if err != nil {
		return nil, err
	}

	return &user, nil
}

// Login authenticates a user and returns a JWT token.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	user, err := s.repo.GetUserByEmail(ctx, strings.TrimSpace(req.Email))
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return LoginResult{}, ErrInvalidCredentials
	}
	if user.Locked {
		return LoginResult{}, ErrAccountLocked
	}

	token, exp, err := s.IssueToken(user.ID, user.Role)
	if err != nil {
		return LoginResult{}, fmt.Errorf("auth: generate token: %w", err)
	}

	return LoginResult{Token: token, ExpiresAt: exp, User: user}, nil
}

// GetUserByID retrieves user information by ID.
func (s *Service) GetUserByID(ctx context.Context, userID string) (*User, error) {
	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// Lock and Unlock are admin operations on account standing.
func (s *Service) Lock(ctx context.Context, userID string) error {
	return s.repo.SetLocked(ctx, userID, true)
}

func (s *Service) Unlock(ctx context.Context, userID string) error {
	return s.repo.SetLocked(ctx, userID, false)
}

type tokenClaims struct {
	UserID string `json:"user_id"`
	Role   Role   `json:"role"`
	jwt.RegisteredClaims
}

// IssueToken signs an HS256 token for the user.
func (s *Service) IssueToken(userID string, role Role) (string, time.Time, error) {
	now := s.now()
	exp := now.Add(s.tokenTTL)
	claims := tokenClaims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// VerifyToken validates a JWT token and returns its claims.
func (s *Service) VerifyToken(tokenString string) (Claims, error) {
	var claims tokenClaims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired())
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims.UserID == "" {
		return Claims{}, fmt.Errorf("%w: missing user_id", ErrInvalidToken)
	}
	if !isValidRole(claims.Role) {
		return Claims{}, fmt.Errorf("%w: role %q", ErrInvalidToken, claims.Role)
	}
	return Claims{UserID: claims.UserID, Role: claims.Role, ExpiresAt: claims.ExpiresAt.Time}, nil
}

func isValidRole(role Role) bool {
	switch role {
	case RoleBuyer, RoleSeller, RoleAdmin:
		return true
	default:
		return false
	}
}
