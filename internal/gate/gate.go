package gate

import (
	"context"
	"errors"
	"time"

	"github.com/mirrorlink/server/internal/directory"
	"github.com/mirrorlink/server/internal/session"
)

// ErrNotAuthorized means the actor may not attach to the session in the
// requested role. The caller must not register the peer at all.
var ErrNotAuthorized = errors.New("not authorized for this session")

// Gate answers "may this actor attach to this session in this role"
// before the relay accepts a registration.
type Gate struct {
	sessions *session.Manager
	resolver directory.Resolver
	caps     directory.Capabilities
}

func New(sessions *session.Manager, resolver directory.Resolver, caps directory.Capabilities) *Gate {
	return &Gate{sessions: sessions, resolver: resolver, caps: caps}
}

// AuthorizeViewer requires an owned, usable session plus a
// control-capable role in the user's organization.
func (g *Gate) AuthorizeViewer(ctx context.Context, sessionID, userID string) error {
	if !g.sessions.IsUsable(ctx, sessionID, userID) {
		return ErrNotAuthorized
	}
	u, err := g.resolver.ResolveUser(ctx, userID)
	if err != nil {
		return ErrNotAuthorized
	}
	ok, err := g.caps.HasCapability(ctx, userID, u.OrganizationID, directory.CapRemoteControl)
	if err != nil || !ok {
		return ErrNotAuthorized
	}
	return nil
}

// AuthorizeDevice requires a live session whose device id equals the
// identity the transport layer presented.
func (g *Gate) AuthorizeDevice(ctx context.Context, sessionID, deviceID string) error {
	s, err := g.sessions.Get(ctx, sessionID)
	if err != nil {
		return ErrNotAuthorized
	}
	if s.State.Terminal() || s.Expired(time.Now().UTC()) {
		return ErrNotAuthorized
	}
	if s.DeviceID != deviceID {
		return ErrNotAuthorized
	}
	return nil
}
