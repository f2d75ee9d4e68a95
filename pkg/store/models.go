package store

import (
	"time"
)

// User represents an account permitted to use the service.
type User struct {
	ID          uint   `gorm:"primaryKey"`
	Name        string `gorm:"uniqueIndex;not null"`
	Salt        []byte `gorm:"not null"`
	Password    []byte `gorm:"not null"`
	IsAdmin     bool   `gorm:"not null;default:false"`
	CreatedAt   time.Time
	LastLoginAt *time.Time
}

// Session represents an authenticated browser session. The token is only
// ever matched together with the user agent it was issued to.
type Session struct {
	ID           uint      `gorm:"primaryKey"`
	UserID       uint      `gorm:"index;not null"`
	Token        []byte    `gorm:"uniqueIndex;index:idx_sessions_lookup,priority:1;not null"`
	Address      string    `gorm:"not null"`
	UserAgent    string    `gorm:"index:idx_sessions_lookup,priority:2"`
	CreatedAt    time.Time `gorm:"not null"`
	LastAccessAt time.Time `gorm:"not null"`
}

// Subscription is a user owned pattern matched against new releases.
type Subscription struct {
	ID          uint   `gorm:"primaryKey"`
	UserID      uint   `gorm:"index;not null"`
	Pattern     string `gorm:"not null"`
	Category    *string
	Matches     int64 `gorm:"not null;default:0"`
	CreatedAt   time.Time
	LastMatchAt *time.Time
}

// Download is an append-only record of a release queued on behalf of a user.
type Download struct {
	ID     uint      `gorm:"primaryKey"`
	UserID uint      `gorm:"index;not null"`
	Time   time.Time `gorm:"not null"`
	Name   string    `gorm:"not null"`
	Size   *int64
	// Manual is false for downloads queued by a subscription.
	Manual bool `gorm:"not null"`
}

// DownloadStats summarises the downloads of one user.
type DownloadStats struct {
	Count int64
	Size  int64
}
