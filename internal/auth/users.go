// internal/auth/users.go
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/crypto/bcrypt"

	"github.com/DogezRule/Management-Panel-Cyber/internal/models"
	"github.com/DogezRule/Management-Panel-Cyber/internal/store"
)

// MinPasswordLength is enforced on every password set through the API
const MinPasswordLength = 8

var (
	ErrInvalidUsername = errors.New("invalid username format")
	ErrInvalidRole     = errors.New("invalid role")
	ErrWeakPassword    = fmt.Errorf("password must be at least %d characters", MinPasswordLength)
)

// UserStore persists platform accounts
type UserStore interface {
	CreateUser(ctx context.Context, u *models.User) error
	GetUser(ctx context.Context, username string) (*models.User, error)
	ListUsers(ctx context.Context) ([]models.User, error)
	DeleteUser(ctx context.Context, username string) error
}

// HashPassword returns the bcrypt hash of password
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword reports whether password matches hash
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// ValidateCredentials checks username and password against the user store. Unknown users and
// wrong passwords both return (nil, nil); err is only set for storage failures.
func ValidateCredentials(ctx context.Context, st UserStore, username, password string) (*models.User, error) {
	u, err := st.GetUser(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Infof("Login attempt failed: User '%s' not found", username)
			return nil, nil
		}
		log.Errorf("Error looking up user '%s': %v", username, err)
		return nil, fmt.Errorf("system error checking user existence: %w", err)
	}

	if !CheckPassword(u.PasswordHash, password) {
		log.Infof("Login attempt failed: wrong password for user '%s'", username)
		return nil, nil
	}
	return u, nil
}

// CreateUser validates req and stores a new account with a hashed password
func CreateUser(ctx context.Context, st UserStore, req models.UserCreateRequest) (*models.User, error) {
	if !isValidUsername(req.Username) {
		return nil, ErrInvalidUsername
	}
	if !req.Role.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, req.Role)
	}
	if len(req.Password) < MinPasswordLength {
		return nil, ErrWeakPassword
	}

	hash, err := HashPassword(req.Password)
	if err != nil {
		return nil, err
	}
	u := &models.User{
		Username:     req.Username,
		PasswordHash: hash,
		Role:         req.Role,
		CreatedAt:    time.Now().UTC(),
	}
	if err := st.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// EnsureAdmin creates the bootstrap admin account if it does not exist yet. An empty
// password skips the bootstrap.
func EnsureAdmin(ctx context.Context, st UserStore, username, password string) error {
	if password == "" {
		log.Warn("ADMIN_PASSWORD is empty, skipping admin bootstrap")
		return nil
	}
	if _, err := st.GetUser(ctx, username); err == nil {
		log.Debug("Admin account already present", "user", username)
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	_, err := CreateUser(ctx, st, models.UserCreateRequest{Username: username, Password: password, Role: models.RoleAdmin})
	if errors.Is(err, store.ErrConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to bootstrap admin '%s': %w", username, err)
	}
	log.Info("Bootstrapped admin account", "user", username)
	return nil
}

// Helper to validate username format
func isValidUsername(username string) bool {
	if len(username) < 1 || len(username) > 32 {
		return false
	}

	// First character should be a letter or underscore
	if !((username[0] >= 'a' && username[0] <= 'z') ||
		(username[0] >= 'A' && username[0] <= 'Z') ||
		username[0] == '_') {
		return false
	}

	// Rest can include letters, numbers, underscore, hyphen, dot
	for _, c := range username {
		if !((c >= 'a' && c <= 'z') ||
			(c >= 'A' && c <= 'Z') ||
			(c >= '0' && c <= '9') ||
			c == '_' || c == '-' || c == '.') {
			return false
		}
	}

	return true
}
