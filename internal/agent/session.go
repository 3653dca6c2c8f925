package agent

import (
	"context"
	"time"

	"github.com/onebox-labs/onebox/internal/models"
)

// Event is one notification from the live IMAP session: a new EXISTS count
// from the server, or a transport-level failure.
type Event struct {
	Exists *uint32
	Err    error
}

// Session is one authenticated IMAP connection with the inbox selected.
// The owning agent is the only goroutine that may call its methods.
type Session interface {
	// Select opens the mailbox and returns its current message count.
	Select(ctx context.Context, mailbox string) (uint32, error)

	// SearchSince returns the UIDs of messages received on or after the
	// given time. Server-side SINCE is day-granular; callers filter by
	// internal date.
	SearchSince(ctx context.Context, since time.Time) ([]uint64, error)

	// FetchUID retrieves envelope, internal date and full source for one
	// message by UID.
	FetchUID(ctx context.Context, uid uint64) (*models.RawMessage, error)

	// FetchSeq retrieves the same by sequence number.
	FetchSeq(ctx context.Context, seq uint32) (*models.RawMessage, error)

	// IdleStart enters IDLE. The returned stop function exits IDLE and
	// must be called before issuing any other command.
	IdleStart() (stop func() error, err error)

	// Events streams EXISTS updates and transport errors; a dead
	// connection is reported as an Event with Err set.
	Events() <-chan Event

	// Logout ends the session. Best-effort; bounded by ctx.
	Logout(ctx context.Context) error
}

// Dialer opens an authenticated Session for an account.
type Dialer interface {
	Dial(ctx context.Context, email, accessToken string) (Session, error)
}
