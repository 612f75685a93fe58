package model

import (
	"time"
)

// User is a manager account. The first user created is the administrator.
type User struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Username  string    `gorm:"uniqueIndex;not null;size:64" json:"username"`
	Password  string    `gorm:"not null" json:"-"` // bcrypt hash, never exposed in JSON
	IsAdmin   bool      `gorm:"default:false" json:"is_admin"`
	Active    bool      `gorm:"default:true" json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Setting is one manager-wide key/value pair.
type Setting struct {
	ID    uint   `gorm:"primaryKey" json:"id"`
	Key   string `gorm:"uniqueIndex;not null;size:128" json:"key"`
	Value string `gorm:"type:text" json:"value"`
}

// Agent is a remote manager this instance connects to.
type Agent struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	URL       string    `gorm:"uniqueIndex;not null;size:255" json:"url"`
	Username  string    `gorm:"not null;size:64" json:"username"`
	Password  string    `gorm:"not null" json:"-"` // sent to the remote on login
	Name      string    `gorm:"size:128" json:"name"`
	Active    bool      `gorm:"default:true" json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
