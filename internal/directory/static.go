package directory

import (
	"context"
	"sync"
)

// Static is an in-process directory for local/dev use and tests. It
// implements both Resolver and Capabilities.
type Static struct {
	mu      sync.RWMutex
	devices map[string]Device
	users   map[string]User
	caps    map[string]map[string]bool
}

func NewStatic() *Static {
	return &Static{
		devices: make(map[string]Device),
		users:   make(map[string]User),
		caps:    make(map[string]map[string]bool),
	}
}

func (s *Static) AddDevice(d Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[d.ID] = d
}

func (s *Static) AddUser(u User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

func (s *Static) Grant(userID, capability string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.caps[userID] == nil {
		s.caps[userID] = make(map[string]bool)
	}
	s.caps[userID][capability] = true
}

func (s *Static) ResolveDevice(_ context.Context, deviceID string) (Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[deviceID]
	if !ok {
		return Device{}, ErrDeviceNotFound
	}
	return d, nil
}

func (s *Static) ResolveUser(_ context.Context, userID string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return u, nil
}

func (s *Static) HasCapability(_ context.Context, userID, _ string, capability string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.caps[userID][capability], nil
}
