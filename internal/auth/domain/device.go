package domain

import "time"

// Device is a Firebase Cloud Messaging registration token of a device that
// receives alerts.
type Device struct {
	ID        string    `json:"id" gorm:"primaryKey"`
	Token     string    `json:"-" gorm:"uniqueIndex;not null"` // Don't expose token in JSON
	Label     string    `json:"label"`                         // Browser/device metadata
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Device) TableName() string {
	return "devices"
}

// Operator is the authenticated caller of the admin API.
type Operator struct {
	Subject   string    `json:"subject"`
	ExpiresAt time.Time `json:"expires_at"`
}
