package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"github.com/web-casa/casastack/internal/apperr"
	"github.com/web-casa/casastack/internal/model"
	"github.com/web-casa/casastack/internal/settings"
	"gorm.io/gorm"
)

// Service verifies credentials and issues session tokens.
type Service struct {
	db       *gorm.DB
	settings *settings.Store
	limiter  *RateLimiter
	logger   *slog.Logger
}

// NewService creates an identity service.
func NewService(db *gorm.DB, st *settings.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		db:       db,
		settings: st,
		limiter:  NewRateLimiter(5, 900),
		logger:   logger.With("module", "auth"),
	}
}

// Close stops background work.
func (s *Service) Close() {
	s.limiter.Stop()
}

// NeedSetup reports whether no user exists yet.
func (s *Service) NeedSetup() (bool, error) {
	var count int64
	if err := s.db.Model(&model.User{}).Count(&count).Error; err != nil {
		return false, fmt.Errorf("count users: %w", err)
	}
	return count == 0, nil
}

// Setup creates the first (admin) user.
func (s *Service) Setup(username, password string) (*model.User, error) {
	need, err := s.NeedSetup()
	if err != nil {
		return nil, err
	}
	if !need {
		return nil, apperr.Validation("The manager has already been set up. If you forgot your password, run the reset-password command.")
	}
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, apperr.Validation("Username is required")
	}
	if err := CheckPasswordStrength(password); err != nil {
		return nil, err
	}

	hash, err := HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	user := &model.User{Username: username, Password: hash, IsAdmin: true, Active: true}
	if err := s.db.Create(user).Error; err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	s.logger.Info("initial user created", "username", username)
	return user, nil
}

// Login checks credentials for a client at addr and returns a token.
func (s *Service) Login(addr, username, password string) (string, *model.User, error) {
	if ok, wait := s.limiter.Check(addr); !ok {
		return "", nil, apperr.Busy("Too many login attempts, please try again in %d seconds.", wait)
	}

	var user model.User
	err := s.db.Where("username = ? AND active = ?", strings.TrimSpace(username), true).First(&user).Error
	if err != nil || !CheckPassword(user.Password, password) {
		s.limiter.RecordFail(addr)
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			s.logger.Error("failed to load user", "err", err)
		}
		return "", nil, apperr.Validation("Incorrect username or password.")
	}
	s.limiter.RecordSuccess(addr)

	token, err := s.issue(&user)
	if err != nil {
		return "", nil, err
	}
	return token, &user, nil
}

// UserByToken resolves a token to an active user.
func (s *Service) UserByToken(token string) (*model.User, error) {
	secret, err := s.settings.JWTSecret()
	if err != nil {
		return nil, err
	}
	claims, err := ParseToken(token, secret)
	if err != nil {
		return nil, apperr.Unauthorized()
	}
	var user model.User
	if err := s.db.Where("id = ? AND active = ?", claims.UserID, true).First(&user).Error; err != nil {
		return nil, apperr.Unauthorized()
	}
	return &user, nil
}

// ResetPassword sets a new password for username, or the first user when
// username is empty, and rotates the signing secret so every existing
// session ends.
func (s *Service) ResetPassword(username, password string) (*model.User, error) {
	if err := CheckPasswordStrength(password); err != nil {
		return nil, err
	}

	var user model.User
	q := s.db.Order("id")
	if username != "" {
		q = q.Where("username = ?", username)
	}
	if err := q.First(&user).Error; err != nil {
		return nil, apperr.NotFound("User not found")
	}

	hash, err := HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	if err := s.db.Model(&user).Update("password", hash).Error; err != nil {
		return nil, fmt.Errorf("update password: %w", err)
	}
	if _, err := s.settings.RotateJWTSecret(); err != nil {
		return nil, err
	}
	s.logger.Info("password reset", "username", user.Username)
	return &user, nil
}

func (s *Service) issue(user *model.User) (string, error) {
	secret, err := s.settings.JWTSecret()
	if err != nil {
		return "", err
	}
	token, err := GenerateToken(user.ID, user.Username, secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}

// CheckPasswordStrength requires at least 6 characters mixing letters and
// digits.
func CheckPasswordStrength(password string) error {
	var letter, digit bool
	for _, r := range password {
		switch {
		case unicode.IsLetter(r):
			letter = true
		case unicode.IsDigit(r):
			digit = true
		}
	}
	if len(password) < 6 || !letter || !digit {
		return apperr.Validation("Password is too weak. It should contain alphabetic and numeric characters. It must be at least 6 characters in length.")
	}
	return nil
}
