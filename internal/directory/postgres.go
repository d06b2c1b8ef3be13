package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PGDB is the subset of pgx the directory needs; pgxpool.Pool and
// pgxmock both satisfy it.
type PGDB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// Postgres resolves devices, users and capabilities from the wider
// application's tables. It implements Resolver and Capabilities.
type Postgres struct {
	db PGDB
}

func NewPostgres(db PGDB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) ResolveDevice(ctx context.Context, deviceID string) (Device, error) {
	row := p.db.QueryRow(ctx,
		`SELECT id, organization_id, name FROM devices WHERE id=$1`,
		deviceID,
	)
	var d Device
	if err := row.Scan(&d.ID, &d.OrganizationID, &d.Name); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Device{}, ErrDeviceNotFound
		}
		return Device{}, fmt.Errorf("resolve device: %w", err)
	}
	return d, nil
}

func (p *Postgres) ResolveUser(ctx context.Context, userID string) (User, error) {
	row := p.db.QueryRow(ctx,
		`SELECT id, organization_id, name FROM users WHERE id=$1`,
		userID,
	)
	var u User
	if err := row.Scan(&u.ID, &u.OrganizationID, &u.Name); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("resolve user: %w", err)
	}
	return u, nil
}

func (p *Postgres) HasCapability(ctx context.Context, userID, organizationID, capability string) (bool, error) {
	row := p.db.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1
			  FROM organization_roles r
			  JOIN role_capabilities c ON c.role = r.role
			 WHERE r.user_id=$1 AND r.organization_id=$2 AND c.capability=$3
		)`,
		userID, organizationID, capability,
	)
	var ok bool
	if err := row.Scan(&ok); err != nil {
		return false, fmt.Errorf("check capability: %w", err)
	}
	return ok, nil
}
