package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/deangilmoreremix/newvideoremixlandingpage-sub002/pkg/entitlement"
)

// Identity resolves purchaser emails against an accounts table. It implements
// entitlement.IdentityResolver and entitlement.AccountProvisioner.
type Identity struct {
	pool  *pgxpool.Pool
	table string
}

// NewIdentity returns an Identity backed by table, which must have id and
// email columns. An empty table selects "users". Schema-qualified names such
// as "auth.users" are accepted.
func NewIdentity(pool *pgxpool.Pool, table string) *Identity {
	if table == "" {
		table = "users"
	}
	return &Identity{
		pool:  pool,
		table: pgx.Identifier(strings.Split(table, ".")).Sanitize(),
	}
}

// Resolve implements entitlement.IdentityResolver
func (i *Identity) Resolve(ctx context.Context, email string) (string, error) {
	var id string
	err := i.pool.QueryRow(ctx,
		`SELECT id::text FROM `+i.table+` WHERE lower(email) = $1 LIMIT 1`,
		entitlement.NormalizeEmail(email)).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", entitlement.ErrIdentityNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve identity: %w", err)
	}
	return id, nil
}

// ProvisionAccount implements entitlement.AccountProvisioner. Concurrent calls
// for the same email return the same id.
func (i *Identity) ProvisionAccount(ctx context.Context, email string) (string, error) {
	email = entitlement.NormalizeEmail(email)
	if email == "" {
		return "", fmt.Errorf("email is required")
	}

	_, err := i.pool.Exec(ctx,
		`INSERT INTO `+i.table+` (email) VALUES ($1) ON CONFLICT ((lower(email))) DO NOTHING`, email)
	if err != nil {
		return "", fmt.Errorf("failed to provision account: %w", err)
	}
	return i.Resolve(ctx, email)
}
