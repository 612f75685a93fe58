// Package settings stores manager-wide key/value configuration in the
// settings table.
package settings

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/web-casa/casastack/internal/model"
	"gorm.io/gorm"
)

// Keys read by the core.
const (
	KeyPrimaryHostname  = "primaryHostname"
	KeyDisableGlobalEnv = "disableGlobalEnv"
	KeyJWTSecret        = "jwtSecret"
)

// cacheTTL bounds how long a read value is reused.
const cacheTTL = time.Minute

type cached struct {
	value   string
	found   bool
	expires time.Time
}

// Store reads and writes settings, caching reads briefly.
type Store struct {
	db *gorm.DB

	mu    sync.Mutex
	cache map[string]cached
	now   func() time.Time
}

// NewStore creates a Store backed by db.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, cache: make(map[string]cached), now: time.Now}
}

// Get reads a value. Returns empty string if not found.
func (s *Store) Get(key string) string {
	v, _ := s.Lookup(key)
	return v
}

// Lookup reads a value and reports whether it exists.
func (s *Store) Lookup(key string) (string, bool) {
	s.mu.Lock()
	if c, ok := s.cache[key]; ok && s.now().Before(c.expires) {
		s.mu.Unlock()
		return c.value, c.found
	}
	s.mu.Unlock()

	var row model.Setting
	found := s.db.Where("key = ?", key).First(&row).Error == nil

	s.mu.Lock()
	s.cache[key] = cached{value: row.Value, found: found, expires: s.now().Add(cacheTTL)}
	s.mu.Unlock()
	return row.Value, found
}

// GetBool reads a value as a boolean. Only "true" and "1" are true.
func (s *Store) GetBool(key string) bool {
	switch strings.ToLower(strings.TrimSpace(s.Get(key))) {
	case "true", "1":
		return true
	default:
		return false
	}
}

// Set writes a value (upsert).
func (s *Store) Set(key, value string) error {
	err := s.db.Where("key = ?", key).
		Assign(model.Setting{Key: key, Value: value}).
		FirstOrCreate(&model.Setting{}).Error
	s.mu.Lock()
	delete(s.cache, key)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// All returns every setting as a map, skipping secrets.
func (s *Store) All() map[string]string {
	var rows []model.Setting
	s.db.Find(&rows)

	result := make(map[string]string, len(rows))
	for _, r := range rows {
		if r.Key == KeyJWTSecret {
			continue
		}
		result[r.Key] = r.Value
	}
	return result
}

// SetAll writes every pair in values. Secrets cannot be set this way.
func (s *Store) SetAll(values map[string]string) error {
	for k, v := range values {
		if k == KeyJWTSecret {
			continue
		}
		if err := s.Set(k, v); err != nil {
			return err
		}
	}
	return nil
}

// JWTSecret returns the signing secret, generating and storing one on
// first use.
func (s *Store) JWTSecret() (string, error) {
	if v, ok := s.Lookup(KeyJWTSecret); ok && v != "" {
		return v, nil
	}
	return s.RotateJWTSecret()
}

// RotateJWTSecret replaces the signing secret, invalidating every token.
func (s *Store) RotateJWTSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	secret := hex.EncodeToString(b)
	if err := s.Set(KeyJWTSecret, secret); err != nil {
		return "", err
	}
	return secret, nil
}
