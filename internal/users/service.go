package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const (
	maxUsernameLength = 150
	minPasswordLength = 8
)

var (
	// ErrInvalidUsername indicates an empty, oversized, or whitespace-bearing
	// username.
	ErrInvalidUsername = errors.New("users: invalid username")
	// ErrWeakPassword indicates a password below the minimum length.
	ErrWeakPassword = fmt.Errorf("users: password must be at least %d characters", minPasswordLength)
	// ErrUsernameTaken indicates the username is already registered.
	ErrUsernameTaken = errors.New("users: username already registered")
	// ErrInvalidCredentials indicates an unknown username or wrong password.
	ErrInvalidCredentials = errors.New("users: invalid username or password")
)

// ServiceConfig describes the dependencies of the account service.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service manages account registration and password authentication.
type Service struct {
	db  *gorm.DB
	now func() time.Time
}

// NewService constructs the account service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{db: cfg.Database, now: clock}, nil
}

// Register creates an account with a bcrypt-hashed password and returns the
// canonical username.
func (s *Service) Register(ctx context.Context, username, password string) (string, error) {
	canonical, err := validateUsername(username)
	if err != nil {
		return "", err
	}
	if len(password) < minPasswordLength {
		return "", ErrWeakPassword
	}

	var existing Account
	err = s.db.WithContext(ctx).Where("username = ?", canonical).First(&existing).Error
	if err == nil {
		return "", ErrUsernameTaken
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("users: failed to hash password: %w", err)
	}

	account := Account{
		Username:     canonical,
		PasswordHash: string(hash),
		CreatedAt:    s.now(),
		LastSeenAt:   s.now(),
	}
	if err := s.db.WithContext(ctx).Create(&account).Error; err != nil {
		return "", err
	}
	return canonical, nil
}

// Authenticate verifies the password for the username and returns the
// canonical username on success.
func (s *Service) Authenticate(ctx context.Context, username, password string) (string, error) {
	canonical := normalizeUsername(username)
	if canonical == "" {
		return "", ErrInvalidCredentials
	}

	var account Account
	err := s.db.WithContext(ctx).Where("username = ?", canonical).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrInvalidCredentials
	}
	if err != nil {
		return "", err
	}

	if bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)) != nil {
		return "", ErrInvalidCredentials
	}

	_ = s.db.WithContext(ctx).Model(&Account{}).
		Where("username = ?", canonical).
		Update("last_seen_at", s.now()).
		Error

	return account.Username, nil
}

// Exists reports whether the username is registered. Bill creation uses it to
// reject splits naming unknown participants.
func (s *Service) Exists(ctx context.Context, username string) (bool, error) {
	canonical := normalizeUsername(username)
	if canonical == "" {
		return false, nil
	}
	var count int64
	err := s.db.WithContext(ctx).Model(&Account{}).
		Where("username = ?", canonical).
		Count(&count).
		Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func validateUsername(raw string) (string, error) {
	canonical := normalizeUsername(raw)
	if canonical == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUsername)
	}
	if len(canonical) > maxUsernameLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUsername, maxUsernameLength)
	}
	if strings.ContainsAny(canonical, " \t\n") {
		return "", fmt.Errorf("%w: contains whitespace", ErrInvalidUsername)
	}
	return canonical, nil
}
