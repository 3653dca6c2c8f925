package index

import (
	"context"
	"errors"

	"github.com/onebox-labs/onebox/internal/models"
)

var (
	// ErrConflict means a message with the same id is already indexed.
	// Insert never overwrites.
	ErrConflict = errors.New("message already indexed")

	// ErrNotFound means no message matched the id within the user's scope.
	ErrNotFound = errors.New("message not found")

	// ErrTransient marks a backend failure worth retrying.
	ErrTransient = errors.New("index temporarily unavailable")
)

// Patch is a partial update of the mutable message fields. Nil fields are
// left untouched.
type Patch struct {
	IsRead    *bool
	IsStarred *bool
	Category  *models.Category
}

// Index is the searchable message store the pipeline writes into. The sync
// core calls Exists and Insert; Get, Update and Search serve the external
// read surface.
type Index interface {
	Exists(ctx context.Context, id string) (bool, error)
	Insert(ctx context.Context, msg *models.StoredMessage) error
	Update(ctx context.Context, id string, patch Patch) error
	Get(ctx context.Context, userID, id string) (*models.StoredMessage, error)
	Search(ctx context.Context, userID, query string) ([]models.StoredMessage, error)
}
