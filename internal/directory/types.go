package directory

import (
	"context"
	"errors"
)

// CapRemoteControl is the capability a viewer needs to drive a device.
const CapRemoteControl = "remote_control"

var (
	ErrDeviceNotFound = errors.New("device not found")
	ErrUserNotFound   = errors.New("user not found")
)

// Device is the directory's view of a controllable display device.
type Device struct {
	ID             string `json:"device_id"`
	OrganizationID string `json:"organization_id"`
	Name           string `json:"name"`
}

// User is the directory's view of an operator account.
type User struct {
	ID             string `json:"user_id"`
	OrganizationID string `json:"organization_id"`
	Name           string `json:"name"`
}

// Resolver answers whether device and user identities exist. Consulted
// only at session creation.
type Resolver interface {
	ResolveDevice(ctx context.Context, deviceID string) (Device, error)
	ResolveUser(ctx context.Context, userID string) (User, error)
}

// Capabilities answers role-capability questions for the authorization
// gate.
type Capabilities interface {
	HasCapability(ctx context.Context, userID, organizationID, capability string) (bool, error)
}
