package entitlement

import "context"

// IdentityResolver maps a purchaser email to an existing account.
// Implementations must be read-only.
type IdentityResolver interface {
	// Resolve returns the user id for email, matched case-insensitively,
	// or ErrIdentityNotFound.
	Resolve(ctx context.Context, email string) (string, error)
}

// AccountProvisioner creates accounts. The engine never provisions; account
// creation happens out of band (sign-up, backfill imports).
type AccountProvisioner interface {
	// ProvisionAccount returns the user id for email, creating the account
	// if none exists.
	ProvisionAccount(ctx context.Context, email string) (string, error)
}

// IdentityFunc adapts a function to IdentityResolver.
type IdentityFunc func(ctx context.Context, email string) (string, error)

// Resolve implements IdentityResolver.
func (f IdentityFunc) Resolve(ctx context.Context, email string) (string, error) {
	return f(ctx, email)
}
