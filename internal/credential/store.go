package credential

import (
	"context"
	"errors"
	"time"

	"github.com/onebox-labs/onebox/internal/models"
)

var (
	// ErrNotAuthorized means no credential exists for the account or the
	// upstream rejected the refresh. Not retryable until a new credential
	// is stored.
	ErrNotAuthorized = errors.New("account not authorized")

	// ErrUnavailable means the refresh transport itself failed. Retryable.
	ErrUnavailable = errors.New("credential refresh unavailable")
)

// MinValidity is the minimum remaining lifetime of a credential returned by
// GetFresh.
const MinValidity = 60 * time.Second

// Store provides access credentials for synced accounts. Implementations
// must serialize refreshes per account so concurrent agents do not stampede
// the upstream token endpoint.
type Store interface {
	// GetFresh returns a credential valid for at least MinValidity,
	// refreshing transparently when the stored one is near expiry.
	GetFresh(ctx context.Context, key models.AccountKey) (models.Credential, error)

	// List returns the account emails known for a user.
	List(ctx context.Context, userID string) ([]string, error)

	// Revoke removes credentials for one account, or for every account of
	// the user when email is empty. Best-effort and idempotent.
	Revoke(ctx context.Context, userID, email string) error
}
