package models

import (
	"time"

	"github.com/google/uuid"
)

// Connection status values reported by devices
const (
	ConnectionOnline  = "online"
	ConnectionOffline = "offline"
	ConnectionSleep   = "sleep"
)

// Device is the durable identity of a physical toy, keyed by serial number
type Device struct {
	ID              uuid.UUID  `json:"id" db:"id"`
	SerialNumber    string     `json:"serial_number" db:"serial_number"`
	SealedSecret    []byte     `json:"-" db:"sealed_secret"` // Never expose
	DeviceType      string     `json:"device_type" db:"device_type"`
	FirmwareVersion string     `json:"firmware_version" db:"firmware_version"`
	ChildID         *uuid.UUID `json:"child_id,omitempty" db:"child_id"`
	PairedAt        *time.Time `json:"paired_at,omitempty" db:"paired_at"`
	BatteryLevel    *int       `json:"battery_level,omitempty" db:"battery_level"`
	ConnectionState string     `json:"connection_status" db:"connection_status"`
	LastSeen        *time.Time `json:"last_seen,omitempty" db:"last_seen"`
	IsActive        bool       `json:"is_active" db:"is_active"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
}

// IsPaired reports whether the device is bound to a child
func (d *Device) IsPaired() bool {
	return d.ChildID != nil
}

// IsPairedWith reports whether the device is bound to childID
func (d *Device) IsPairedWith(childID uuid.UUID) bool {
	return d.ChildID != nil && *d.ChildID == childID
}

// DeviceStatus is a status report sent by a device
type DeviceStatus struct {
	BatteryLevel    *int   `json:"battery_level"`
	ConnectionState string `json:"connection_status"`
	FirmwareVersion string `json:"firmware_version"`
}

// DeviceHealth is the read-only snapshot returned to a device
type DeviceHealth struct {
	Status          string     `json:"status"`
	DeviceID        uuid.UUID  `json:"device_id"`
	ChildID         *uuid.UUID `json:"child_id,omitempty"`
	BatteryLevel    *int       `json:"battery_level,omitempty"`
	ConnectionState string     `json:"connection_status"`
	FirmwareVersion string     `json:"firmware_version"`
	LastSeen        *time.Time `json:"last_seen,omitempty"`
	ServerTime      time.Time  `json:"server_time"`
}
