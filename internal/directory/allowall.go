package directory

import "context"

// AllowAll resolves every identity and grants every capability. It
// backs local development without a database; never use it where real
// device and user records exist.
type AllowAll struct{}

func (AllowAll) ResolveDevice(_ context.Context, deviceID string) (Device, error) {
	return Device{ID: deviceID, OrganizationID: "dev"}, nil
}

func (AllowAll) ResolveUser(_ context.Context, userID string) (User, error) {
	return User{ID: userID, OrganizationID: "dev"}, nil
}

func (AllowAll) HasCapability(_ context.Context, _, _, _ string) (bool, error) {
	return true, nil
}
