package firestore

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/deangilmoreremix/newvideoremixlandingpage-sub002/pkg/entitlement"
)

// Identity resolves and provisions accounts in a users collection keyed by
// normalized email. It implements entitlement.IdentityResolver and
// entitlement.AccountProvisioner.
type Identity struct {
	client     *firestore.Client
	collection string
}

// NewIdentity creates an account directory. collection defaults to "users".
func NewIdentity(client *firestore.Client, collection string) *Identity {
	if collection == "" {
		collection = "users"
	}
	return &Identity{client: client, collection: collection}
}

// Resolve implements entitlement.IdentityResolver
func (i *Identity) Resolve(ctx context.Context, email string) (string, error) {
	snap, err := i.ref(email).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return "", entitlement.ErrIdentityNotFound
		}
		return "", fmt.Errorf("failed to resolve account: %w", err)
	}
	return getString(snap.Data(), "id"), nil
}

// ProvisionAccount implements entitlement.AccountProvisioner
func (i *Identity) ProvisionAccount(ctx context.Context, email string) (string, error) {
	email = entitlement.NormalizeEmail(email)
	id := uuid.NewString()

	_, err := i.ref(email).Create(ctx, map[string]interface{}{
		"id":    id,
		"email": email,
	})
	if err == nil {
		return id, nil
	}
	if status.Code(err) != codes.AlreadyExists {
		return "", fmt.Errorf("failed to provision account: %w", err)
	}
	return i.Resolve(ctx, email)
}

func (i *Identity) ref(email string) *firestore.DocumentRef {
	return i.client.Collection(i.collection).Doc(docID(entitlement.NormalizeEmail(email)))
}
