package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AccountKey identifies one synced mailbox: a user plus the address of one
// of their remote IMAP accounts. It is the registry key for agents and must
// stay comparable.
type AccountKey struct {
	UserID string
	Email  string
}

func (k AccountKey) String() string {
	return k.UserID + "/" + k.Email
}

// Credential is a momentary access credential for one account. Agents hold
// it only for the duration of a single connect; the credential store owns
// refresh and storage.
type Credential struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Envelope carries the header fields the sync core cares about.
type Envelope struct {
	Subject string
	From    string
	To      []string
	Date    time.Time
}

// RawMessage is one message as fetched from IMAP, before ingestion.
// InternalDate is the server-side arrival time and drives the backfill
// cutoff; Source is the full RFC 822 payload.
type RawMessage struct {
	UID          uint64
	Envelope     Envelope
	InternalDate time.Time
	Source       []byte
}

// Category is the closed label set produced by classification.
type Category string

const (
	CategoryInterested    Category = "Interested"
	CategoryMeetingBooked Category = "Meeting Booked"
	CategoryNotInterested Category = "Not Interested"
	CategorySpam          Category = "Spam"
	CategoryOutOfOffice   Category = "Out of Office"
	CategoryUncategorized Category = "Uncategorized"
)

// Categories lists every valid category.
var Categories = []Category{
	CategoryInterested,
	CategoryMeetingBooked,
	CategoryNotInterested,
	CategorySpam,
	CategoryOutOfOffice,
	CategoryUncategorized,
}

// ParseCategory matches a free-form label against the closed set, ignoring
// case and surrounding whitespace.
func ParseCategory(s string) (Category, bool) {
	s = strings.TrimSpace(s)
	for _, c := range Categories {
		if strings.EqualFold(s, string(c)) {
			return c, true
		}
	}
	return "", false
}

// MessageID derives the exactly-once identity of a message. Every delivery
// of the same (user, account, uid) maps to the same id.
func MessageID(userID, email string, uid uint64) string {
	return fmt.Sprintf("%s|%s|%d", userID, email, uid)
}

// StoredMessage is the indexed form of a message.
type StoredMessage struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Email     string    `json:"email"`
	Folder    string    `json:"folder"`
	UID       uint64    `json:"uid"`
	Subject   string    `json:"subject"`
	From      string    `json:"from"`
	To        []string  `json:"to"`
	Date      time.Time `json:"date"`
	Body      string    `json:"body"`
	IsRead    bool      `json:"isRead"`
	IsStarred bool      `json:"isStarred"`
	Category  Category  `json:"category"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// AgentPhase is one node of the agent state machine.
type AgentPhase string

const (
	AgentStarting AgentPhase = "starting"
	AgentSyncing  AgentPhase = "syncing"
	AgentIdle     AgentPhase = "idle"
	AgentError    AgentPhase = "error"
	AgentStopped  AgentPhase = "stopped"
)

// AgentState is a phase plus, for the error phase, a short reason. The
// reason never contains credential material.
type AgentState struct {
	Phase AgentPhase
	Err   string
}

func StateStarting() AgentState { return AgentState{Phase: AgentStarting} }
func StateSyncing() AgentState  { return AgentState{Phase: AgentSyncing} }
func StateIdle() AgentState     { return AgentState{Phase: AgentIdle} }
func StateStopped() AgentState  { return AgentState{Phase: AgentStopped} }

func StateError(reason string) AgentState {
	return AgentState{Phase: AgentError, Err: reason}
}

// Terminal reports whether no further transition can follow this state.
func (s AgentState) Terminal() bool {
	return s.Phase == AgentStopped
}

// NewMessageEvent is published once per successfully indexed message.
type NewMessageEvent struct {
	ID      uuid.UUID
	UserID  string
	Email   string
	Message StoredMessage
	At      time.Time
}

// StatusEvent is published on every agent state transition.
type StatusEvent struct {
	ID     uuid.UUID
	UserID string
	Email  string
	State  AgentState
	At     time.Time
}
