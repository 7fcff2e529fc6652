// Package identity manages the two entities every device-pairing flow
// in this engine is built on: User accounts and the Devices
// authorized to sync on their behalf.
package identity

import "time"

// User is a registered account. The password verifier is stored
// pre-hashed (argon2id, see internal/auth) and never the plaintext.
type User struct {
	UserID             string    `gorm:"column:user_id;primaryKey;size:36;not null"`
	Handle             string    `gorm:"column:handle;size:190;not null"`
	HandleNormalized   string    `gorm:"column:handle_normalized;size:190;not null;uniqueIndex:idx_users_handle_norm"`
	Email              string    `gorm:"column:email;size:320;not null"`
	EmailNormalized    string    `gorm:"column:email_normalized;size:320;not null;uniqueIndex:idx_users_email_norm"`
	PasswordVerifier   string    `gorm:"column:password_verifier;type:text;not null"`
	CreatedAt          time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName provides the explicit table binding for GORM.
func (User) TableName() string {
	return "users"
}

// DeviceStatus enumerates a device's standing with respect to its
// owning user's account.
type DeviceStatus string

const (
	// DeviceStatusActive devices are authorized to write and sync.
	DeviceStatusActive DeviceStatus = "active"
	// DeviceStatusRevoked devices have had their access withdrawn;
	// their past writes remain in the oplog but new writes are rejected.
	DeviceStatusRevoked DeviceStatus = "revoked"
)

// Device is a single device authorized to sync on behalf of a User.
type Device struct {
	DeviceID    string       `gorm:"column:device_id;primaryKey;size:36;not null"`
	UserID      string       `gorm:"column:user_id;size:36;not null;index:idx_devices_user"`
	DeviceType  string       `gorm:"column:device_type;size:64;not null"`
	PushToken   string       `gorm:"column:push_token;size:512"`
	Status      DeviceStatus `gorm:"column:status;size:16;not null;default:'active'"`
	AuthorizedAt time.Time   `gorm:"column:authorized_at;autoCreateTime"`
	LastSeenAt  time.Time    `gorm:"column:last_seen_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Device) TableName() string {
	return "devices"
}
