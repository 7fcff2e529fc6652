package engine

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidUserID indicates a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("engine: invalid user id")
	// ErrInvalidDeviceID indicates a device identifier is empty or exceeds storage bounds.
	ErrInvalidDeviceID = errors.New("engine: invalid device id")
	// ErrInvalidOpID indicates an operation identifier is empty or exceeds storage bounds.
	ErrInvalidOpID = errors.New("engine: invalid op id")
	// ErrInvalidTableName indicates a table name is empty, exceeds storage bounds, or is otherwise malformed.
	ErrInvalidTableName = errors.New("engine: invalid table name")
	// ErrInvalidRowKey indicates a row key is empty or exceeds storage bounds.
	ErrInvalidRowKey = errors.New("engine: invalid row key")
)

// UserID is a validated user identifier.
type UserID string

// NewUserID validates rawInput and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying identifier.
func (id UserID) String() string { return string(id) }

// DeviceID is a validated device identifier.
type DeviceID string

// NewDeviceID validates rawInput and returns a DeviceID.
func NewDeviceID(rawInput string) (DeviceID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDeviceID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDeviceID, maxIdentifierLength)
	}
	return DeviceID(trimmed), nil
}

// String returns the underlying identifier.
func (id DeviceID) String() string { return string(id) }

// OpID is a validated operation identifier, unique across the whole
// oplog regardless of which device produced it.
type OpID string

// NewOpID validates rawInput and returns an OpID.
func NewOpID(rawInput string) (OpID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidOpID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidOpID, maxIdentifierLength)
	}
	return OpID(trimmed), nil
}

// String returns the underlying identifier.
func (id OpID) String() string { return string(id) }

// TableName is a validated application table name.
type TableName string

// NewTableName validates rawInput and returns a TableName.
func NewTableName(rawInput string) (TableName, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidTableName)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidTableName, maxIdentifierLength)
	}
	return TableName(trimmed), nil
}

// String returns the underlying table name.
func (t TableName) String() string { return string(t) }

// RowKey is a validated application-table primary key value, always
// carried as its string representation regardless of the underlying
// column's native type.
type RowKey string

// NewRowKey validates rawInput and returns a RowKey.
func NewRowKey(rawInput string) (RowKey, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidRowKey)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidRowKey, maxIdentifierLength)
	}
	return RowKey(trimmed), nil
}

// String returns the underlying row key.
func (k RowKey) String() string { return string(k) }
