package assignment

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// rowQuerier is satisfied by *pgxpool.Pool and pgx.Tx.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresDirectory reads devices and areas from the application database.
type PostgresDirectory struct {
	db rowQuerier
}

// NewPostgresDirectory constructs a Directory reading from pool.
func NewPostgresDirectory(pool *pgxpool.Pool) *PostgresDirectory {
	return &PostgresDirectory{db: pool}
}

// Device loads a device, or ErrNotFound.
func (d *PostgresDirectory) Device(ctx context.Context, id int64) (Device, error) {
	dev := Device{ID: id}
	err := d.db.QueryRow(ctx,
		`SELECT code, company_id FROM devices WHERE id = $1`, id,
	).Scan(&dev.Code, &dev.CompanyID)
	if errors.Is(err, pgx.ErrNoRows) {
		return Device{}, ErrNotFound
	}
	if err != nil {
		return Device{}, fmt.Errorf("query device: %w", err)
	}
	return dev, nil
}

// Area loads an area, or ErrNotFound.
func (d *PostgresDirectory) Area(ctx context.Context, id int64) (Area, error) {
	area := Area{ID: id}
	err := d.db.QueryRow(ctx,
		`SELECT name, company_id FROM areas WHERE id = $1`, id,
	).Scan(&area.Name, &area.CompanyID)
	if errors.Is(err, pgx.ErrNoRows) {
		return Area{}, ErrNotFound
	}
	if err != nil {
		return Area{}, fmt.Errorf("query area: %w", err)
	}
	return area, nil
}

// PostgresPolicy grants access to company admins and to users holding an
// explicit area grant.
type PostgresPolicy struct {
	db rowQuerier
}

// NewPostgresPolicy constructs a Policy reading from pool.
func NewPostgresPolicy(pool *pgxpool.Pool) *PostgresPolicy {
	return &PostgresPolicy{db: pool}
}

// CanAssign reports whether userID may assign devices to area.
func (p *PostgresPolicy) CanAssign(ctx context.Context, userID int64, area Area) (bool, error) {
	var allowed bool
	err := p.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM users u
			WHERE u.id = $1 AND u.company_id = $3 AND u.role = 'admin'
		) OR EXISTS (
			SELECT 1 FROM area_user au
			WHERE au.user_id = $1 AND au.area_id = $2
		)`, userID, area.ID, area.CompanyID,
	).Scan(&allowed)
	if err != nil {
		return false, fmt.Errorf("query area permission: %w", err)
	}
	return allowed, nil
}
