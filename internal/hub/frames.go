package hub

import (
	"time"

	"github.com/onebox-labs/onebox/internal/models"
)

// Frame is the outbound wire shape: a type discriminator plus a payload.
type Frame struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

const (
	frameConnection  = "connection"
	frameNewEmail    = "new_email"
	frameSyncStatus  = "sync_status"
	framePong        = "pong"
	frameTestMessage = "test_message"
	frameBroadcast   = "broadcast"
)

type connectionData struct {
	UserID string    `json:"userId"`
	At     time.Time `json:"at"`
}

// The event id travels on both fan-out frames so a client that reconnects
// mid-stream can discard frames it has already applied.
type newEmailData struct {
	ID     string               `json:"id"`
	Email  models.StoredMessage `json:"email"`
	UserID string               `json:"userId"`
	At     time.Time            `json:"at"`
}

type syncStatusData struct {
	ID     string    `json:"id"`
	UserID string    `json:"userId"`
	Email  string    `json:"email"`
	State  string    `json:"state"`
	Error  string    `json:"error,omitempty"`
	At     time.Time `json:"at"`
}

type pongData struct {
	At time.Time `json:"at"`
}

// inboundFrame is the decoded form of a client text frame. Unknown types
// are ignored.
type inboundFrame struct {
	Type   string   `json:"type"`
	Topics []string `json:"topics"`
}

func newEmailFrame(ev models.NewMessageEvent) Frame {
	return Frame{Type: frameNewEmail, Data: newEmailData{
		ID:     ev.ID.String(),
		Email:  ev.Message,
		UserID: ev.UserID,
		At:     ev.At,
	}}
}

func syncStatusFrame(ev models.StatusEvent) Frame {
	return Frame{Type: frameSyncStatus, Data: syncStatusData{
		ID:     ev.ID.String(),
		UserID: ev.UserID,
		Email:  ev.Email,
		State:  string(ev.State.Phase),
		Error:  ev.State.Err,
		At:     ev.At,
	}}
}
