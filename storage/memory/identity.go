package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/deangilmoreremix/newvideoremixlandingpage-sub002/pkg/entitlement"
)

// Identity is an in-memory account directory. It implements both
// entitlement.IdentityResolver and entitlement.AccountProvisioner.
type Identity struct {
	mu    sync.RWMutex
	users map[string]string
}

// NewIdentity creates an empty account directory.
func NewIdentity() *Identity {
	return &Identity{users: make(map[string]string)}
}

// Add registers an account. Test helper.
func (i *Identity) Add(email, userID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.users[entitlement.NormalizeEmail(email)] = userID
}

// Resolve implements entitlement.IdentityResolver
func (i *Identity) Resolve(ctx context.Context, email string) (string, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	id, ok := i.users[entitlement.NormalizeEmail(email)]
	if !ok {
		return "", entitlement.ErrIdentityNotFound
	}
	return id, nil
}

// ProvisionAccount implements entitlement.AccountProvisioner
func (i *Identity) ProvisionAccount(ctx context.Context, email string) (string, error) {
	email = entitlement.NormalizeEmail(email)

	i.mu.Lock()
	defer i.mu.Unlock()

	if id, ok := i.users[email]; ok {
		return id, nil
	}
	id := uuid.NewString()
	i.users[email] = id
	return id, nil
}
